package runbatch

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/uselemma/lemma-go/internal/model"
)

// resolveRunID returns the run id preset on a root span, or a fresh one when
// the attribute is missing, empty, or not a string.
func resolveRunID(attrs []attribute.KeyValue, generate func() string) string {
	for _, kv := range attrs {
		if string(kv.Key) != model.AttrRunID {
			continue
		}
		if kv.Value.Type() == attribute.STRING && kv.Value.AsString() != "" {
			return kv.Value.AsString()
		}
		break
	}
	return generate()
}

func newRunID() string {
	return uuid.NewString()
}
