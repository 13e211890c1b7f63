package transform

import (
	"fmt"
	"strings"

	"transform_worker/core/domain"
	"transform_worker/core/port/out"
)

func validateEmbedding(name string, vec []float32, required bool) error {
	if vec == nil {
		if required {
			return fmt.Errorf("%s embedding missing", name)
		}
		return nil
	}
	if len(vec) != domain.EmbeddingDim {
		return fmt.Errorf("%s embedding has dimension %d, expected %d", name, len(vec), domain.EmbeddingDim)
	}
	allZero := true
	for _, v := range vec {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("%s embedding is all zeros", name)
	}
	return nil
}

// validateResult enforces the write-side invariants: a valid tier, a
// non-empty redacted body when the source body was non-empty, correctly
// dimensioned non-zero embeddings, and chunk rows consistent with the
// pooled vector.
func validateResult(res *out.DerivedResult, bodyText string, hadEmbeddableBody bool) error {
	if !res.PrivacyTier.Valid() {
		return fmt.Errorf("invalid privacy tier %d", int(res.PrivacyTier))
	}
	if strings.TrimSpace(bodyText) != "" && strings.TrimSpace(res.BodyRedacted) == "" {
		return fmt.Errorf("redacted body is empty for non-empty source body")
	}
	if err := validateEmbedding("subject", res.SubjectEmbedding, false); err != nil {
		return err
	}
	if err := validateEmbedding("body", res.BodyEmbedding, false); err != nil {
		return err
	}
	if err := validateEmbedding("pooled", res.BodyPooledEmbedding, false); err != nil {
		return err
	}
	if len(res.Chunks) > 0 {
		if res.BodyPooledEmbedding == nil {
			return fmt.Errorf("chunked body missing pooled embedding")
		}
		if res.BodyEmbedding != nil {
			return fmt.Errorf("chunked body must not carry a whole-body embedding")
		}
		for i, c := range res.Chunks {
			if err := validateEmbedding(fmt.Sprintf("chunk %d", i), c.Embedding, true); err != nil {
				return err
			}
			if strings.TrimSpace(c.Text) == "" {
				return fmt.Errorf("chunk %d has empty text", i)
			}
		}
	} else if hadEmbeddableBody && res.BodyEmbedding == nil {
		return fmt.Errorf("embeddable body produced no embedding")
	}
	return nil
}
