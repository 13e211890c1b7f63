package transform

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"transform_worker/core/capability"
	"transform_worker/core/domain"
	"transform_worker/core/port/out"
	"transform_worker/core/service/classify"
	"transform_worker/core/service/redact"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeEmailRepo struct {
	emails   map[int64]*domain.Email
	ids      []int64
	written  []*out.DerivedResult
	writeErr error
}

func (f *fakeEmailRepo) SelectIDs(_ context.Context, _ out.EmailSelection) ([]int64, error) {
	return f.ids, nil
}

func (f *fakeEmailRepo) LoadBatch(_ context.Context, ids []int64) ([]*domain.Email, error) {
	var res []*domain.Email
	for _, id := range ids {
		if e, ok := f.emails[id]; ok {
			res = append(res, e)
		}
	}
	return res, nil
}

func (f *fakeEmailRepo) WriteDerivedBatch(_ context.Context, results []*out.DerivedResult) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, results...)
	return nil
}

func (f *fakeEmailRepo) ResetDerived(_ context.Context, _ *int64) (int64, error) {
	return 0, nil
}

type fakeLabelRepo struct {
	maps map[int64]map[string]string
}

func (f *fakeLabelRepo) LabelMaps(_ context.Context, _ []int64) (map[int64]map[string]string, error) {
	if f.maps == nil {
		return map[int64]map[string]string{}, nil
	}
	return f.maps, nil
}

// fakeEmbedder treats every whitespace-separated word as one token and
// returns a constant non-zero vector per text.
type fakeEmbedder struct {
	calls     int
	lastTexts []string
	err       error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string, _, _, _ int, _ string) ([][]float32, error) {
	f.calls++
	f.lastTexts = append([]string(nil), texts...)
	if f.err != nil {
		return nil, f.err
	}
	res := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, domain.EmbeddingDim)
		v[0] = float32(i + 1)
		res[i] = v
	}
	return res, nil
}

func (f *fakeEmbedder) TokenCount(_ context.Context, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

// fakeChat answers a fixed tier and counts 1 token per 4 bytes.
type fakeChat struct {
	answer string
	err    error
}

func (f *fakeChat) Complete(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeChat) TokenCount(_ context.Context, prompt string) (int, error) {
	return len(prompt) / 4, nil
}

type fakeEntities struct {
	spans []out.Entity
	err   error
}

func (f *fakeEntities) Entities(_ context.Context, _, _ string) ([]out.Entity, error) {
	return f.spans, f.err
}

type fakeLanguage struct {
	lang string
	err  error
}

func (f *fakeLanguage) Detect(_ context.Context, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.lang, nil
}

// =============================================================================
// Helpers
// =============================================================================

func testCaps(maxTokens int) *capability.Set {
	maxChars := maxTokens * capability.CharsPerToken
	modelLen := 4096
	model := "test-model"
	return &capability.Set{
		Embedding: capability.EmbeddingCaps{MaxTokens: &maxTokens, MaxChars: &maxChars},
		VLLM:      capability.VLLMCaps{MaxModelLen: &modelLen, ModelID: &model},
	}
}

func testPrompts() *classify.Prompts {
	return &classify.Prompts{
		System:       "Classify into {output_labels}.",
		UserTemplate: "From: {sender}\nSubject: {subject}\nLabels: {labels}\nAttachments: {has_attachments}\n\n{body_preview}\n",
	}
}

func testPipeline(t *testing.T, repo *fakeEmailRepo, chat *fakeChat, embedder *fakeEmbedder, maxTokens int) *Pipeline {
	t.Helper()
	log := zerolog.Nop()
	classifier := classify.NewClassifier(chat, testPrompts(), 4096, 8000, nil, classify.NewMetrics(log, nil), log)
	redactor := redact.NewRedactor(&fakeEntities{})
	return NewPipeline(repo, &fakeLabelRepo{}, embedder, classifier, redactor,
		&fakeLanguage{lang: "en"}, testCaps(maxTokens), log)
}

func testEmail(id int64, subject, body string) *domain.Email {
	return &domain.Email{
		ID:        id,
		AccountID: 1,
		GmailID:   fmt.Sprintf("g%d", id),
		Subject:   subject,
		FromEmail: "sender@example.com",
		FromName:  "Sender",
		BodyText:  body,
		Snippet:   "snippet text",
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestPipelineRunEmptySelection(t *testing.T) {
	repo := &fakeEmailRepo{emails: map[int64]*domain.Email{}}
	p := testPipeline(t, repo, &fakeChat{answer: "PUBLIC"}, &fakeEmbedder{}, 100)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Transformed != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestPipelineRunFullBody(t *testing.T) {
	repo := &fakeEmailRepo{
		ids: []int64{1},
		emails: map[int64]*domain.Email{
			1: testEmail(1, "Hello there", "This is a short plain body."),
		},
	}
	embedder := &fakeEmbedder{}
	p := testPipeline(t, repo, &fakeChat{answer: "PUBLIC"}, embedder, 100)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Transformed != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.BodyFull != 1 || summary.BodyChunked != 0 {
		t.Errorf("body stats = full %d chunked %d", summary.BodyFull, summary.BodyChunked)
	}
	if summary.ByTier[domain.TierPublic] != 1 {
		t.Errorf("tier stats = %v", summary.ByTier)
	}

	if len(repo.written) != 1 {
		t.Fatalf("wrote %d results", len(repo.written))
	}
	res := repo.written[0]
	if res.PrivacyTier != domain.TierPublic {
		t.Errorf("tier = %v", res.PrivacyTier)
	}
	if res.SubjectEmbedding == nil || res.BodyEmbedding == nil {
		t.Error("expected subject and body embeddings")
	}
	if res.BodyPooledEmbedding != nil || len(res.Chunks) != 0 {
		t.Error("full body must not produce chunks or a pooled vector")
	}
	if res.SnippetRedacted == "" {
		t.Error("public email should keep a redacted snippet")
	}
	// subject then body, one fused request
	if embedder.calls != 1 || len(embedder.lastTexts) != 2 {
		t.Errorf("embed calls = %d texts = %d", embedder.calls, len(embedder.lastTexts))
	}
}

func TestPipelineSensitiveSkipsSubjectAndMasksSnippet(t *testing.T) {
	repo := &fakeEmailRepo{
		ids: []int64{1},
		emails: map[int64]*domain.Email{
			1: testEmail(1, "Payslip attached", "Salary details inside."),
		},
	}
	p := testPipeline(t, repo, &fakeChat{answer: "SENSITIVE"}, &fakeEmbedder{}, 100)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Transformed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	res := repo.written[0]
	if res.SubjectEmbedding != nil {
		t.Error("sensitive email must not get a subject embedding")
	}
	if res.BodyEmbedding == nil {
		t.Error("body embedding expected regardless of tier")
	}
	if res.SnippetRedacted != redact.SnippetPlaceholder {
		t.Errorf("snippet = %q, want placeholder", res.SnippetRedacted)
	}
}

func TestPipelineChunksLongBody(t *testing.T) {
	// 30 words against a 10-token cap forces chunking.
	var paras []string
	for i := 0; i < 6; i++ {
		paras = append(paras, fmt.Sprintf("para %d word word word", i))
	}
	body := strings.Join(paras, "\n\n")

	repo := &fakeEmailRepo{
		ids:    []int64{1},
		emails: map[int64]*domain.Email{1: testEmail(1, "", body)},
	}
	p := testPipeline(t, repo, &fakeChat{answer: "PERSONAL"}, &fakeEmbedder{}, 10)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.BodyChunked != 1 || summary.BodyFull != 0 {
		t.Fatalf("body stats = %+v", summary)
	}
	res := repo.written[0]
	if res.BodyEmbedding != nil {
		t.Error("chunked body must not carry a whole-body embedding")
	}
	if res.BodyPooledEmbedding == nil {
		t.Error("pooled embedding missing")
	}
	if len(res.Chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(res.Chunks))
	}
	for i, c := range res.Chunks {
		if c.Position != i {
			t.Errorf("chunk %d position = %d", i, c.Position)
		}
		if c.Embedding == nil {
			t.Errorf("chunk %d missing embedding", i)
		}
	}
	if res.Chunks[0].Weight != 2.0 {
		t.Errorf("first chunk weight = %v", res.Chunks[0].Weight)
	}
}

func TestPipelineUnparsableTierCountsFailed(t *testing.T) {
	repo := &fakeEmailRepo{
		ids: []int64{1, 2},
		emails: map[int64]*domain.Email{
			1: testEmail(1, "ok", "fine body"),
			2: testEmail(2, "bad", "garbage answer body"),
		},
	}
	p := testPipeline(t, repo, &fakeChat{answer: "I cannot decide"}, &fakeEmbedder{}, 100)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Transformed != 0 || summary.Failed != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if len(repo.written) != 0 {
		t.Errorf("nothing should have been written, got %d", len(repo.written))
	}
}

func TestPipelineEmbedFailureFailsWholeBatch(t *testing.T) {
	repo := &fakeEmailRepo{
		ids: []int64{1, 2},
		emails: map[int64]*domain.Email{
			1: testEmail(1, "a", "body one"),
			2: testEmail(2, "b", "body two"),
		},
	}
	embedder := &fakeEmbedder{err: fmt.Errorf("boom")}
	p := testPipeline(t, repo, &fakeChat{answer: "PUBLIC"}, embedder, 100)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Transformed != 0 || summary.Failed != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestPipelineWriteFailureFailsWholeBatch(t *testing.T) {
	repo := &fakeEmailRepo{
		ids:      []int64{1},
		emails:   map[int64]*domain.Email{1: testEmail(1, "a", "body one")},
		writeErr: fmt.Errorf("tx aborted"),
	}
	p := testPipeline(t, repo, &fakeChat{answer: "PUBLIC"}, &fakeEmbedder{}, 100)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Transformed != 0 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestPipelineEmptyBodyStillWritesTier(t *testing.T) {
	email := testEmail(1, "Just a subject", "   \n  ")
	repo := &fakeEmailRepo{ids: []int64{1}, emails: map[int64]*domain.Email{1: email}}
	embedder := &fakeEmbedder{}
	p := testPipeline(t, repo, &fakeChat{answer: "PERSONAL"}, embedder, 100)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Transformed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	res := repo.written[0]
	if res.BodyEmbedding != nil || res.BodyPooledEmbedding != nil {
		t.Error("blank body must not be embedded")
	}
	if res.SubjectEmbedding == nil {
		t.Error("subject embedding expected for a non-sensitive email")
	}
	if summary.BodyFull != 0 && summary.BodyChunked != 0 {
		t.Errorf("body stats = %+v", summary)
	}
}

func TestPipelineProgressEvents(t *testing.T) {
	repo := &fakeEmailRepo{
		ids: []int64{1, 2, 3},
		emails: map[int64]*domain.Email{
			1: testEmail(1, "a", "body one"),
			2: testEmail(2, "b", "body two"),
			3: testEmail(3, "c", "body three"),
		},
	}
	p := testPipeline(t, repo, &fakeChat{answer: "PUBLIC"}, &fakeEmbedder{}, 100)

	var events []domain.TransformProgress
	_, err := p.Run(context.Background(), Options{
		BatchSize: 2,
		Progress:  func(pr domain.TransformProgress) { events = append(events, pr) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// startup + one per batch
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].BatchNum != 0 || events[0].Total != 3 || events[0].TotalBatches != 2 {
		t.Errorf("startup event = %+v", events[0])
	}
	if events[1].Processed != 2 || events[2].Processed != 3 {
		t.Errorf("processed counts = %d, %d", events[1].Processed, events[2].Processed)
	}
	if events[2].BatchNum != 2 {
		t.Errorf("last batch num = %d", events[2].BatchNum)
	}
}

func TestPipelineMissingRowsCountFailed(t *testing.T) {
	repo := &fakeEmailRepo{
		ids:    []int64{1, 2},
		emails: map[int64]*domain.Email{1: testEmail(1, "a", "body one")},
	}
	p := testPipeline(t, repo, &fakeChat{answer: "PUBLIC"}, &fakeEmbedder{}, 100)

	summary, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Transformed != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
}
