package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/protocol"
)

// Recovery converts handler panics into a 500 in the error envelope of the
// endpoint's dialect. onPanic, when set, receives the correlation id and
// the recovered value for sink reporting.
func Recovery(onPanic func(correlationID string, recovered any)) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			id := CorrelationID(c)
			logrus.WithFields(logrus.Fields{
				"correlation_id": id,
				"path":           c.Request.URL.Path,
			}).Errorf("panic: %v\n%s", r, debug.Stack())
			if onPanic != nil {
				onPanic(id, r)
			}
			if !c.Writer.Written() {
				msg := fmt.Sprintf("internal error (correlation id %s)", id)
				c.JSON(http.StatusInternalServerError,
					protocol.ErrorBody(dialectOf(c.Request.URL.Path), protocol.ErrTypeAPI, msg))
			}
			c.Abort()
		}()
		c.Next()
	}
}

// dialectOf picks the error envelope family from the request path: the
// Messages endpoints speak Anthropic, everything else OpenAI.
func dialectOf(path string) protocol.Family {
	if strings.HasPrefix(path, "/v1/messages") {
		return protocol.FamilyAnthropic
	}
	return protocol.FamilyOpenAI
}
