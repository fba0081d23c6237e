// Package extraction wraps the external text-extraction (OCR) provider
// behind the pipeline's TextExtractor capability: result caching, retrying
// HTTP transport and error classification into the pipeline taxonomy.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/cache"
	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/submission"
)

type (
	extractRequest struct {
		FileURI  string `json:"file_uri"`
		MimeType string `json:"mime_type"`
	}

	extractResponse struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		Lines      []struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
		} `json:"lines"`
	}

	Service struct {
		client *httpclient.Client
		cache  core.Cache
		conf   *core.Config
		log    core.Logger
	}
)

var _ submission.TextExtractor = (*Service)(nil)

func NewService(conf *core.Config, log core.Logger, c core.Cache) *Service {
	if c == nil {
		c = core.NopCache{}
	}
	backoff := heimdall.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2, 100*time.Millisecond)
	client := httpclient.NewClient(
		httpclient.WithHTTPTimeout(conf.Extraction.Timeout),
		httpclient.WithRetryCount(conf.Extraction.RequestRetries),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
	)
	return &Service{client: client, cache: c, conf: conf, log: log}
}

// Extract runs the provider against one uploaded file. Results are cached
// by file identity so redeliveries and reprocessing skip the provider call.
func (svc *Service) Extract(ctx context.Context, file submission.SourceFile) (submission.Extraction, error) {
	key := cache.Key("extract", svc.conf.Extraction.BaseURL, file.URI, file.MimeType, strconv.FormatInt(file.Size, 10))
	if data, ok := svc.cache.Get(ctx, key); ok {
		var ext submission.Extraction
		if err := json.Unmarshal(data, &ext); err == nil {
			svc.log.Debug(fmt.Sprintf("extraction cache hit for %s", file.URI))
			return ext, nil
		}
	}

	ext, err := svc.call(ctx, file)
	if err != nil {
		return submission.Extraction{}, err
	}

	svc.countUsage(ctx)
	if data, merr := json.Marshal(ext); merr == nil {
		svc.cache.Set(ctx, key, data, svc.conf.Extraction.CacheTTL)
	}
	return ext, nil
}

func (svc *Service) call(ctx context.Context, file submission.SourceFile) (submission.Extraction, error) {
	body, err := json.Marshal(extractRequest{FileURI: file.URI, MimeType: file.MimeType})
	if err != nil {
		return submission.Extraction{}, core.NewInputError(submission.StageExtraction, errors.Wrap(err, "encoding request"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.conf.Extraction.BaseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return submission.Extraction{}, core.NewProviderError(submission.StageExtraction, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := svc.client.Do(req)
	if err != nil {
		return submission.Extraction{}, core.NewTransientError(submission.StageExtraction, errors.Wrap(err, "calling extraction provider"))
	}
	defer func() { _ = res.Body.Close() }()

	if err = svc.classifyStatus(res); err != nil {
		return submission.Extraction{}, err
	}

	var out extractResponse
	if err = json.NewDecoder(res.Body).Decode(&out); err != nil {
		return submission.Extraction{}, core.NewProviderError(submission.StageExtraction, errors.Wrap(err, "decoding provider response"))
	}
	ext := submission.Extraction{
		Text:       out.Text,
		Confidence: out.Confidence,
		Lines:      make([]submission.LineConfidence, 0, len(out.Lines)),
	}
	for _, ln := range out.Lines {
		ext.Lines = append(ext.Lines, submission.LineConfidence{Text: ln.Text, Confidence: ln.Confidence})
	}
	// some providers only score per line; a missing document confidence
	// must not read as zero and route a legible file to review
	if ext.Confidence == 0 && len(ext.Lines) > 0 {
		var sum float64
		for _, ln := range ext.Lines {
			sum += ln.Confidence
		}
		ext.Confidence = sum / float64(len(ext.Lines))
	}
	return ext, nil
}

func (svc *Service) classifyStatus(res *http.Response) error {
	switch {
	case res.StatusCode == http.StatusOK:
		return nil
	case res.StatusCode == http.StatusTooManyRequests:
		return core.NewQuotaError(submission.StageExtraction,
			errors.Errorf("provider quota exhausted (status %d)", res.StatusCode),
			svc.retryAfter(res))
	case res.StatusCode == http.StatusBadRequest,
		res.StatusCode == http.StatusRequestEntityTooLarge,
		res.StatusCode == http.StatusUnsupportedMediaType,
		res.StatusCode == http.StatusUnprocessableEntity:
		return core.NewInputError(submission.StageExtraction,
			errors.Errorf("provider rejected input (status %d)", res.StatusCode))
	case res.StatusCode >= http.StatusInternalServerError:
		return core.NewTransientError(submission.StageExtraction,
			errors.Errorf("provider unavailable (status %d)", res.StatusCode))
	default:
		return core.NewProviderError(submission.StageExtraction,
			errors.Errorf("unexpected provider status %d", res.StatusCode))
	}
}

func (svc *Service) retryAfter(res *http.Response) time.Duration {
	floor := svc.conf.Broker.QuotaRetryFloor
	if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
		if d := time.Duration(secs) * time.Second; d > floor {
			return d
		}
	}
	return floor
}

// countUsage tracks daily provider calls; best effort.
func (svc *Service) countUsage(ctx context.Context) {
	day := time.Now().UTC().Format("2006-01-02")
	svc.cache.IncrBy(ctx, "usage:extract:"+day, 1)
}
