package routing

import (
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/config"
	"github.com/duogate/duogate/internal/protocol"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Family        protocol.Family // upstream endpoint family
	DeclaredModel string          // model name the client sent, echoed back in responses
	UpstreamModel string          // resolved id dispatched upstream
	HasImage      bool
	IsVision      bool // served on the vision window
}

// Router picks the endpoint family and upstream model for one request.
// count_tokens shares it so estimates reflect the window the request would
// actually be served on.
type Router struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Decide routes on the client-declared model name and image presence. The
// family decision happens before alias resolution, so an alias target can
// never flip a request between families.
func (r *Router) Decide(declared string, hasImage bool) Decision {
	d := Decision{DeclaredModel: declared, HasImage: hasImage}

	if hasImage || declared == r.cfg.AutoVisionModel {
		d.Family = protocol.FamilyOpenAI
	} else {
		d.Family = protocol.FamilyAnthropic
	}

	// Auto aliases follow image presence before hitting the alias table.
	effective := declared
	switch {
	case declared == r.cfg.AutoTextModel && hasImage:
		effective = r.cfg.AutoVisionModel
	case declared == r.cfg.AutoVisionModel && !hasImage:
		effective = r.cfg.AutoTextModel
	}
	d.UpstreamModel = r.cfg.ResolveModel(effective)
	d.IsVision = hasImage || effective == r.cfg.AutoVisionModel

	if effective != declared {
		logrus.Debugf("routing: %s rewritten to %s (image=%t)", declared, effective, hasImage)
	}
	return d
}
