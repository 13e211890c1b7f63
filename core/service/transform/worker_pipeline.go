package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"transform_worker/core/capability"
	"transform_worker/core/domain"
	"transform_worker/core/port/out"
	"transform_worker/core/service/classify"
	"transform_worker/core/service/preprocess"
	"transform_worker/core/service/redact"
)

const (
	// DefaultBatchSize is how many emails one database round trip covers.
	DefaultBatchSize = 50

	// prepareConcurrency bounds the in-flight prepare steps per batch. The
	// classifier dominates prepare latency, so this is effectively the
	// number of concurrent LLM calls.
	prepareConcurrency = 4

	// embedSubBatchSize keeps one text per embed request; TEI handles its
	// own micro-batching and a single oversized text cannot poison peers.
	embedSubBatchSize = 1
)

// =============================================================================
// Pipeline
// =============================================================================

// Options controls one pipeline run.
type Options struct {
	AccountID *int64
	EmailID   *int64
	Force     bool
	Limit     int
	BatchSize int
	Progress  ProgressFunc
}

// Pipeline runs the full raw-to-derived transform: select, load, prepare
// (classify, redact, chunk) with bounded concurrency, one fused embed call
// per batch, validate, then a single transactional write per batch.
type Pipeline struct {
	emails     out.EmailRepository
	labels     out.LabelRepository
	embedder   out.EmbeddingService
	classifier *classify.Classifier
	redactor   *redact.Redactor
	language   out.LanguageService

	caps *capability.Set
	log  zerolog.Logger
}

func NewPipeline(
	emails out.EmailRepository,
	labels out.LabelRepository,
	embedder out.EmbeddingService,
	classifier *classify.Classifier,
	redactor *redact.Redactor,
	language out.LanguageService,
	caps *capability.Set,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		emails:     emails,
		labels:     labels,
		embedder:   embedder,
		classifier: classifier,
		redactor:   redactor,
		language:   language,
		caps:       caps,
		log:        log.With().Str("component", "transform").Logger(),
	}
}

// Run executes the pipeline and returns a summary. A batch that fails as a
// whole is counted into Failed; Run only returns an error for setup problems
// or context cancellation between batches.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*domain.TransformSummary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	sel := out.EmailSelection{
		AccountID: opts.AccountID,
		EmailID:   opts.EmailID,
		Force:     opts.Force || opts.EmailID != nil,
		Limit:     opts.Limit,
	}
	ids, err := p.emails.SelectIDs(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("select emails: %w", err)
	}

	summary := &domain.TransformSummary{ByTier: map[domain.PrivacyTier]int{}}
	if len(ids) == 0 {
		p.log.Info().Msg("no emails to transform")
		return summary, nil
	}

	totalBatches := (len(ids) + opts.BatchSize - 1) / opts.BatchSize
	runID := uuid.NewString()
	p.log.Info().
		Str("run_id", runID).
		Int("total", len(ids)).
		Int("batches", totalBatches).
		Int("embed_max_tokens", p.caps.EmbedMaxTokens()).
		Msg("starting transform run")

	progress := domain.TransformProgress{
		Total:        len(ids),
		ByTier:       map[domain.PrivacyTier]int{},
		TotalBatches: totalBatches,
	}
	p.emitProgress(opts.Progress, progress)

	for batchNum := 0; batchNum < totalBatches; batchNum++ {
		if err := ctx.Err(); err != nil {
			p.log.Warn().Int("batch", batchNum).Msg("transform interrupted between batches")
			return summary, err
		}
		start := batchNum * opts.BatchSize
		end := min(start+opts.BatchSize, len(ids))

		stats, err := p.transformBatch(ctx, ids[start:end])
		if err != nil {
			return summary, fmt.Errorf("batch %d: %w", batchNum+1, err)
		}

		summary.Transformed += stats.ok
		summary.Failed += stats.failed
		summary.BodyFull += stats.bodyFull
		summary.BodyChunked += stats.bodyChunked
		for tier, n := range stats.byTier {
			summary.ByTier[tier] += n
		}

		progress.Processed = summary.Transformed
		progress.Failed = summary.Failed
		progress.BodyFull = summary.BodyFull
		progress.BodyChunked = summary.BodyChunked
		for tier, n := range summary.ByTier {
			progress.ByTier[tier] = n
		}
		progress.BatchNum = batchNum + 1
		p.emitProgress(opts.Progress, progress)
	}

	p.log.Info().
		Str("run_id", runID).
		Int("transformed", summary.Transformed).
		Int("failed", summary.Failed).
		Int("body_full", summary.BodyFull).
		Int("body_chunked", summary.BodyChunked).
		Msg("transform run complete")
	return summary, nil
}

func (p *Pipeline) emitProgress(fn ProgressFunc, progress domain.TransformProgress) {
	if fn == nil {
		return
	}
	snapshot := progress
	snapshot.ByTier = make(map[domain.PrivacyTier]int, len(progress.ByTier))
	for k, v := range progress.ByTier {
		snapshot.ByTier[k] = v
	}
	fn(snapshot)
}

// =============================================================================
// Batch
// =============================================================================

type batchStats struct {
	ok          int
	failed      int
	bodyFull    int
	bodyChunked int
	byTier      map[domain.PrivacyTier]int
}

// preparedEmail is the per-email output of the prepare phase, before any
// embedding has happened.
type preparedEmail struct {
	email *domain.Email

	tier            domain.PrivacyTier
	bodyRedacted    string
	snippetRedacted string

	subjectText string
	bodyType    domain.BodyType
	bodyText    string
	chunks      []domain.Chunk
}

// embedRole says what one slot of the fused embed request is for.
type embedRole int

const (
	roleSubject embedRole = iota
	roleBody
	roleChunk
)

// embedSlot maps one position of the fused embed request back to its email.
type embedSlot struct {
	prepared *preparedEmail
	role     embedRole
	chunkIdx int
}

func (p *Pipeline) transformBatch(ctx context.Context, ids []int64) (*batchStats, error) {
	stats := &batchStats{byTier: map[domain.PrivacyTier]int{}}

	emails, err := p.emails.LoadBatch(ctx, ids)
	if err != nil {
		p.log.Error().Err(err).Msg("batch load failed")
		stats.failed = len(ids)
		return stats, nil
	}
	stats.failed = len(ids) - len(emails)

	labelMaps, err := p.labelMapsFor(ctx, emails)
	if err != nil {
		p.log.Warn().Err(err).Msg("label lookup failed, classifying without label names")
		labelMaps = map[int64]map[string]string{}
	}

	prepared := p.prepareAll(ctx, emails, labelMaps)
	stats.failed += len(emails) - len(prepared)
	if len(prepared) == 0 {
		return stats, nil
	}

	texts, slots := buildEmbedRequest(prepared)
	var vectors [][]float32
	if len(texts) > 0 {
		logCtx := fmt.Sprintf("batch of %d emails", len(prepared))
		vectors, err = p.embedder.EmbedBatch(ctx, texts,
			embedSubBatchSize, p.caps.EmbedMaxChars(), p.caps.EmbedMaxTokens(), logCtx)
		if err != nil {
			p.log.Error().Err(err).Int("texts", len(texts)).Msg("batch embedding failed")
			stats.failed += len(prepared)
			return stats, nil
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
		}
	}

	results := assembleResults(slots, vectors, prepared)

	writable := make([]*out.DerivedResult, 0, len(results))
	writablePrep := make([]*preparedEmail, 0, len(results))
	for i, res := range results {
		prep := prepared[i]
		if err := validateResult(res, prep.email.BodyText, prep.bodyType != domain.BodyNone); err != nil {
			p.log.Warn().Err(err).Int64("email_id", prep.email.ID).Msg("derived result rejected")
			stats.failed++
			continue
		}
		writable = append(writable, res)
		writablePrep = append(writablePrep, prep)
	}
	if len(writable) == 0 {
		return stats, nil
	}

	if err := p.emails.WriteDerivedBatch(ctx, writable); err != nil {
		p.log.Error().Err(err).Int("results", len(writable)).Msg("batch write failed, transaction rolled back")
		stats.failed += len(writable)
		return stats, nil
	}

	for i, res := range writable {
		stats.ok++
		stats.byTier[res.PrivacyTier]++
		switch writablePrep[i].bodyType {
		case domain.BodyFull:
			stats.bodyFull++
		case domain.BodyChunked:
			stats.bodyChunked++
		}
	}
	return stats, nil
}

func (p *Pipeline) labelMapsFor(ctx context.Context, emails []*domain.Email) (map[int64]map[string]string, error) {
	seen := map[int64]bool{}
	var accountIDs []int64
	for _, e := range emails {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			accountIDs = append(accountIDs, e.AccountID)
		}
	}
	if len(accountIDs) == 0 {
		return map[int64]map[string]string{}, nil
	}
	return p.labels.LabelMaps(ctx, accountIDs)
}

// prepareAll runs the prepare phase for every email with bounded
// concurrency, preserving input order. Emails whose prepare fails are
// logged and dropped.
func (p *Pipeline) prepareAll(ctx context.Context, emails []*domain.Email, labelMaps map[int64]map[string]string) []*preparedEmail {
	sem := semaphore.NewWeighted(prepareConcurrency)
	results := make([]*preparedEmail, len(emails))

	var wg sync.WaitGroup
	for i, email := range emails {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, email *domain.Email) {
			defer wg.Done()
			defer sem.Release(1)
			prep, err := p.prepareOne(ctx, email, labelMaps[email.AccountID])
			if err != nil {
				p.log.Warn().Err(err).
					Int64("email_id", email.ID).
					Str("gmail_id", email.GmailID).
					Msg("prepare failed")
				return
			}
			results[i] = prep
		}(i, email)
	}
	wg.Wait()

	out := make([]*preparedEmail, 0, len(emails))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// prepareOne produces everything for one email that does not need the
// embedder: tier, redacted body and snippet, and the embed plan.
func (p *Pipeline) prepareOne(ctx context.Context, email *domain.Email, labelMap map[string]string) (*preparedEmail, error) {
	cleaned := preprocess.Body(email.BodyText)

	tier, err := p.classifier.Classify(ctx, classify.Input{
		Body:           email.BodyText,
		Subject:        email.Subject,
		Sender:         email.Sender(),
		HasAttachments: email.HasAttachments,
		Labels:         labelNames(email.Labels, labelMap),
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	lang, err := p.language.Detect(ctx, cleaned)
	if err != nil {
		p.log.Debug().Err(err).Int64("email_id", email.ID).Msg("language detection failed, assuming en")
		lang = "en"
	}

	bodyRedacted, err := p.redactor.ForDisplay(ctx, cleaned, lang)
	if err != nil {
		return nil, fmt.Errorf("redact body: %w", err)
	}
	snippetRedacted, err := p.redactor.Snippet(ctx, email.Snippet, tier, lang)
	if err != nil {
		return nil, fmt.Errorf("redact snippet: %w", err)
	}

	prep := &preparedEmail{
		email:           email,
		tier:            tier,
		bodyRedacted:    bodyRedacted,
		snippetRedacted: snippetRedacted,
		bodyType:        domain.BodyNone,
	}

	if tier != domain.TierSensitive {
		prep.subjectText = strings.TrimSpace(email.Subject)
	}

	bodyText := strings.TrimSpace(cleaned)
	if bodyText != "" {
		tokens, err := p.embedder.TokenCount(ctx, bodyText)
		if err != nil {
			return nil, fmt.Errorf("token count: %w", err)
		}
		maxTokens := p.caps.EmbedMaxTokens()
		if tokens <= maxTokens {
			prep.bodyType = domain.BodyFull
			prep.bodyText = bodyText
		} else {
			chunks, err := ChunkBody(ctx, bodyText, p.embedder, maxTokens, min(ChunkTargetTokens, maxTokens))
			if err != nil {
				return nil, fmt.Errorf("chunk body: %w", err)
			}
			if len(chunks) == 0 {
				prep.bodyType = domain.BodyFull
				prep.bodyText = bodyText
			} else {
				prep.bodyType = domain.BodyChunked
				prep.chunks = chunks
			}
		}
	}
	return prep, nil
}

func labelNames(labelIDs []string, labelMap map[string]string) []string {
	names := make([]string, 0, len(labelIDs))
	for _, id := range labelIDs {
		if name, ok := labelMap[id]; ok && name != "" {
			names = append(names, name)
		} else {
			names = append(names, id)
		}
	}
	return names
}

// buildEmbedRequest flattens every text needing a vector into one request,
// with a side table mapping each slot back to its email and role.
func buildEmbedRequest(prepared []*preparedEmail) ([]string, []embedSlot) {
	var texts []string
	var slots []embedSlot
	for _, prep := range prepared {
		if prep.subjectText != "" {
			texts = append(texts, prep.subjectText)
			slots = append(slots, embedSlot{prepared: prep, role: roleSubject})
		}
		switch prep.bodyType {
		case domain.BodyFull:
			texts = append(texts, prep.bodyText)
			slots = append(slots, embedSlot{prepared: prep, role: roleBody})
		case domain.BodyChunked:
			for ci, chunk := range prep.chunks {
				texts = append(texts, chunk.Text)
				slots = append(slots, embedSlot{prepared: prep, role: roleChunk, chunkIdx: ci})
			}
		}
	}
	return texts, slots
}

// assembleResults routes each returned vector to its email and pools chunk
// vectors into the body_pooled_embedding column. Output is index-aligned
// with prepared.
func assembleResults(slots []embedSlot, vectors [][]float32, prepared []*preparedEmail) []*out.DerivedResult {
	index := make(map[*preparedEmail]int, len(prepared))
	results := make([]*out.DerivedResult, len(prepared))
	chunkVecs := make([][][]float32, len(prepared))
	for i, prep := range prepared {
		index[prep] = i
		results[i] = &out.DerivedResult{
			EmailID:         prep.email.ID,
			PrivacyTier:     prep.tier,
			BodyRedacted:    prep.bodyRedacted,
			SnippetRedacted: prep.snippetRedacted,
		}
		if prep.bodyType == domain.BodyChunked {
			chunkVecs[i] = make([][]float32, len(prep.chunks))
		}
	}

	for si, slot := range slots {
		i := index[slot.prepared]
		switch slot.role {
		case roleSubject:
			results[i].SubjectEmbedding = vectors[si]
		case roleBody:
			results[i].BodyEmbedding = vectors[si]
		case roleChunk:
			chunkVecs[i][slot.chunkIdx] = vectors[si]
		}
	}

	for i, prep := range prepared {
		if prep.bodyType != domain.BodyChunked {
			continue
		}
		chunks := make([]domain.EmailChunk, len(prep.chunks))
		weights := make([]float64, len(prep.chunks))
		for ci, c := range prep.chunks {
			chunks[ci] = domain.EmailChunk{
				EmailID:   prep.email.ID,
				Text:      c.Text,
				Position:  c.Position,
				Weight:    c.Weight,
				Embedding: chunkVecs[i][ci],
			}
			weights[ci] = c.Weight
		}
		sort.Slice(chunks, func(a, b int) bool { return chunks[a].Position < chunks[b].Position })
		results[i].Chunks = chunks
		results[i].BodyPooledEmbedding = WeightedMeanEmbedding(chunkVecs[i], weights)
	}
	return results
}
