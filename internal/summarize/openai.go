package summarize

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const chatCompletionsPath = "/v1/chat/completions"

// OpenAIBatchClient implements BatchClient with the OpenAI Batch API.
type OpenAIBatchClient struct {
	client openai.Client
}

// NewOpenAIBatchClient creates a batch client. An empty baseURL targets api.openai.com.
func NewOpenAIBatchClient(apiKey, baseURL string) (*OpenAIBatchClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBatchClient{client: openai.NewClient(opts...)}, nil
}

type batchMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type batchBody struct {
	Model    string         `json:"model"`
	Messages []batchMessage `json:"messages"`
}

type batchLine struct {
	CustomID string    `json:"custom_id"`
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	Body     batchBody `json:"body"`
}

type outputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// EncodeRequests renders reqs as the JSONL input file of a chat completion batch.
func EncodeRequests(model string, reqs []Request) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range reqs {
		line := batchLine{
			CustomID: r.CustomID,
			Method:   "POST",
			URL:      chatCompletionsPath,
			Body: batchBody{
				Model:    model,
				Messages: []batchMessage{{Role: "system", Content: r.Prompt}},
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("failed to encode request %s: %w", r.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeResults parses a batch output file into custom id -> message content.
// A line carrying an error or a non-200 response fails the whole decode.
func DecodeResults(r io.Reader) (map[string]string, error) {
	results := make(map[string]string)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line outputLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("failed to parse batch output line: %w", err)
		}
		if line.Error != nil {
			return nil, fmt.Errorf("request %s failed: %s: %s", line.CustomID, line.Error.Code, line.Error.Message)
		}
		if line.Response == nil || line.Response.StatusCode != 200 || len(line.Response.Body.Choices) == 0 {
			return nil, fmt.Errorf("request %s returned no completion", line.CustomID)
		}
		results[line.CustomID] = line.Response.Body.Choices[0].Message.Content
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch output: %w", err)
	}
	return results, nil
}

// Submit uploads the input file and creates a 24h chat completion batch.
func (c *OpenAIBatchClient) Submit(ctx context.Context, model string, reqs []Request) (Job, error) {
	data, err := EncodeRequests(model, reqs)
	if err != nil {
		return Job{}, err
	}

	file, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(data), "batch.jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return Job{}, fmt.Errorf("failed to upload batch input: %w", err)
	}

	batch, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      file.ID,
	})
	if err != nil {
		return Job{}, fmt.Errorf("failed to create batch: %w", err)
	}
	return toJob(batch), nil
}

// Poll retrieves the batch.
func (c *OpenAIBatchClient) Poll(ctx context.Context, id string) (Job, error) {
	batch, err := c.client.Batches.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return toJob(batch), nil
}

// Results downloads and decodes the output file of a completed batch.
func (c *OpenAIBatchClient) Results(ctx context.Context, job Job) (map[string]string, error) {
	if job.OutputFileID == "" {
		return nil, fmt.Errorf("batch %s has no output file", job.ID)
	}

	resp, err := c.client.Files.Content(ctx, job.OutputFileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download batch output: %w", err)
	}
	defer resp.Body.Close()

	return DecodeResults(resp.Body)
}

func toJob(b *openai.Batch) Job {
	job := Job{
		ID:           b.ID,
		State:        mapStatus(string(b.Status)),
		OutputFileID: b.OutputFileID,
	}
	if len(b.Errors.Data) > 0 {
		msgs := make([]string, len(b.Errors.Data))
		for i, e := range b.Errors.Data {
			msgs[i] = e.Message
		}
		job.Error = strings.Join(msgs, "; ")
	}
	return job
}

// mapStatus folds the provider's batch statuses into the four job states.
func mapStatus(status string) State {
	switch status {
	case "validating":
		return StateSubmitted
	case "in_progress", "finalizing":
		return StateRunning
	case "completed":
		return StateCompleted
	case "failed", "expired", "cancelling", "cancelled":
		return StateFailed
	default:
		return StateRunning
	}
}

var _ BatchClient = (*OpenAIBatchClient)(nil)
