// Package llm wraps Genkit for the four model uses in this service:
// input/output judging, grounded answer generation, batch embeddings, and
// PDF text extraction for scanned documents.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

// VectorDimension is the embedding width stored in pgvector. The embedder
// model natively emits wider vectors; OutputDimensionality truncates to 768
// (Matryoshka Representation Learning keeps the prefix meaningful).
const VectorDimension int32 = 768

// Config selects the models used for each call site.
type Config struct {
	ChatModel       string
	ValidationModel string
	EmbeddingModel  string
	PDFExtractModel string
}

// Client is the Genkit-backed model client.
type Client struct {
	g        *genkit.Genkit
	embedder ai.Embedder
	cfg      Config
	logger   *slog.Logger
}

// New initializes Genkit with the Google AI plugin. GEMINI_API_KEY is read
// by the plugin from the environment.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with googleai plugin")
	}
	return &Client{
		g:        g,
		embedder: googlegenai.GoogleAIEmbedder(g, cfg.EmbeddingModel),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Verdict is a judge decision on untrusted text. CitationsOK is only
// meaningful for output judging.
type Verdict struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	CitationsOK bool   `json:"citations_ok,omitempty"`
}

// Judge asks the validation model whether subject passes the given
// instruction. Structured output keeps the decision machine-readable.
func (c *Client) Judge(ctx context.Context, instruction, subject string) (Verdict, error) {
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName("googleai/"+c.cfg.ValidationModel),
		ai.WithSystem(instruction),
		ai.WithPrompt(subject),
		ai.WithOutputType(Verdict{}),
	)
	if err != nil {
		return Verdict{}, fmt.Errorf("judging content: %w", err)
	}

	var verdict Verdict
	if err := resp.Output(&verdict); err != nil {
		return Verdict{}, fmt.Errorf("decoding verdict: %w", err)
	}
	return verdict, nil
}

// GroundedAnswer is the structured generation output: the answer plus the
// chunk ids it cites and any warnings the model raises.
type GroundedAnswer struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
	Warnings  []string `json:"warnings"`
}

// GroundedResult pairs the structured answer with reported token usage.
// Token counts are zero when the provider does not report usage.
type GroundedResult struct {
	GroundedAnswer
	TokensIn  int
	TokensOut int
}

// Generate produces a grounded structured answer from the assembled context.
func (c *Client) Generate(ctx context.Context, system, prompt string) (GroundedResult, error) {
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName("googleai/"+c.cfg.ChatModel),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
		ai.WithOutputType(GroundedAnswer{}),
	)
	if err != nil {
		return GroundedResult{}, fmt.Errorf("generating answer: %w", err)
	}

	var result GroundedResult
	if err := resp.Output(&result.GroundedAnswer); err != nil {
		return GroundedResult{}, fmt.Errorf("decoding generated answer: %w", err)
	}
	result.Answer = strings.TrimSpace(result.Answer)
	if resp.Usage != nil {
		result.TokensIn = resp.Usage.InputTokens
		result.TokensOut = resp.Usage.OutputTokens
	}
	return result, nil
}

// EmbedTexts embeds a batch of texts, truncated to VectorDimension. The
// returned vectors are positionally aligned with the input.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	dim := VectorDimension
	resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   docs,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding texts: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
	}

	vectors := make([]pgvector.Vector, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		vectors[i] = pgvector.NewVector(emb.Embedding)
	}
	return vectors, nil
}

const pdfExtractPrompt = `Transcribe the full text content of this PDF document.
Preserve paragraph breaks. Output only the document text, no commentary.`

// ExtractPDFText sends raw PDF bytes to a multimodal model and returns the
// transcribed text. Used when local byte scanning finds too little
// extractable text (scanned or image-heavy PDFs).
func (c *Client) ExtractPDFText(ctx context.Context, pdfData []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(pdfData)
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName("googleai/"+c.cfg.PDFExtractModel),
		ai.WithMessages(ai.NewUserMessage(
			ai.NewTextPart(pdfExtractPrompt),
			ai.NewMediaPart("application/pdf", "data:application/pdf;base64,"+encoded),
		)),
	)
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
