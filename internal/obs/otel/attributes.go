package otel

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by every proxy metric.
var (
	AttrFamily       = attribute.Key("proxy.family")        // upstream endpoint family
	AttrModel        = attribute.Key("proxy.model")         // resolved upstream model
	AttrRequestModel = attribute.Key("proxy.request_model") // client-declared alias
	AttrStreamed     = attribute.Key("proxy.streamed")
	AttrStatus       = attribute.Key("proxy.status") // success, error, canceled
	AttrErrorKind    = attribute.Key("proxy.error_kind")
	AttrTokenType    = attribute.Key("proxy.token_type") // input, output
)
