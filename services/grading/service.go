// Package grading wraps the generative-language grading provider behind the
// pipeline's RubricGrader capability: prompt construction from the rubric,
// JSON recovery from chatty model output, determinism-aware caching and
// error classification into the pipeline taxonomy.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/cache"
	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/assignment"
	"github.com/trezcool/mwalimu/core/submission"
)

type (
	generateRequest struct {
		Model   string          `json:"model"`
		Prompt  string          `json:"prompt"`
		Stream  bool            `json:"stream"`
		Format  string          `json:"format,omitempty"`
		Options generateOptions `json:"options"`
	}

	generateOptions struct {
		Temperature float64 `json:"temperature"`
		Seed        *int64  `json:"seed,omitempty"`
	}

	generateResponse struct {
		Response string `json:"response"`
	}

	// gradeWire is the JSON shape the model is prompted to emit.
	gradeWire struct {
		Criteria []struct {
			Name    string  `json:"name"`
			Points  float64 `json:"points"`
			Comment string  `json:"comment"`
		} `json:"criteria"`
		Feedback string `json:"feedback"`
	}

	Service struct {
		client *httpclient.Client
		cache  core.Cache
		conf   *core.Config
		log    core.Logger
	}
)

var _ submission.RubricGrader = (*Service)(nil)

func NewService(conf *core.Config, log core.Logger, c core.Cache) *Service {
	if c == nil {
		c = core.NopCache{}
	}
	backoff := heimdall.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2, 100*time.Millisecond)
	client := httpclient.NewClient(
		httpclient.WithHTTPTimeout(conf.Grading.Timeout),
		httpclient.WithRetryCount(conf.Grading.RequestRetries),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
	)
	return &Service{client: client, cache: c, conf: conf, log: log}
}

// Grade scores the extracted text against the rubric. Results are cached
// only when generation is deterministic enough for replay to be honest:
// near-zero temperature or a fixed seed; the key folds both in along with
// the rubric fingerprint, so a rubric change invalidates naturally.
func (svc *Service) Grade(ctx context.Context, text string, rubric assignment.Rubric) (submission.Grade, error) {
	if core.CleanString(text) == "" {
		return submission.Grade{}, core.NewInputError(submission.StageGrading, errors.New("empty submission text"))
	}

	cacheable := svc.conf.Grading.Temperature <= svc.conf.Grading.CacheTempCeiling || svc.conf.Grading.SeedSet
	key := svc.cacheKey(text, rubric)
	if cacheable {
		if data, ok := svc.cache.Get(ctx, key); ok {
			var grade submission.Grade
			if err := json.Unmarshal(data, &grade); err == nil {
				svc.log.Debug(fmt.Sprintf("grading cache hit for rubric %s", rubric.AssignmentID))
				return grade, nil
			}
		}
	}

	raw, err := svc.generate(ctx, buildPrompt(text, rubric))
	if err != nil {
		return submission.Grade{}, err
	}
	grade, err := parseGrade(raw, rubric)
	if err != nil {
		return submission.Grade{}, err
	}

	if cacheable {
		if data, merr := json.Marshal(grade); merr == nil {
			svc.cache.Set(ctx, key, data, svc.conf.Grading.CacheTTL)
		}
	}
	return grade, nil
}

func (svc *Service) cacheKey(text string, rubric assignment.Rubric) string {
	seed := ""
	if svc.conf.Grading.SeedSet {
		seed = strconv.FormatInt(svc.conf.Grading.Seed, 10)
	}
	return cache.Key("grade",
		svc.conf.Grading.Model,
		rubric.Fingerprint(),
		text,
		strconv.FormatFloat(svc.conf.Grading.Temperature, 'f', -1, 64),
		seed,
	)
}

func (svc *Service) generate(ctx context.Context, prompt string) (string, error) {
	opts := generateOptions{Temperature: svc.conf.Grading.Temperature}
	if svc.conf.Grading.SeedSet {
		seed := svc.conf.Grading.Seed
		opts.Seed = &seed
	}
	body, err := json.Marshal(generateRequest{
		Model:   svc.conf.Grading.Model,
		Prompt:  prompt,
		Stream:  false,
		Format:  "json",
		Options: opts,
	})
	if err != nil {
		return "", core.NewProviderError(submission.StageGrading, errors.Wrap(err, "encoding request"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.conf.Grading.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", core.NewProviderError(submission.StageGrading, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := svc.client.Do(req)
	if err != nil {
		return "", core.NewTransientError(submission.StageGrading, errors.Wrap(err, "calling grading provider"))
	}
	defer func() { _ = res.Body.Close() }()

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusTooManyRequests:
		return "", core.NewQuotaError(submission.StageGrading,
			errors.Errorf("provider quota exhausted (status %d)", res.StatusCode),
			svc.retryAfter(res))
	case res.StatusCode == http.StatusBadRequest, res.StatusCode == http.StatusNotFound:
		return "", core.NewProviderError(submission.StageGrading,
			errors.Errorf("provider rejected request (status %d)", res.StatusCode))
	case res.StatusCode >= http.StatusInternalServerError:
		return "", core.NewTransientError(submission.StageGrading,
			errors.Errorf("provider unavailable (status %d)", res.StatusCode))
	default:
		return "", core.NewProviderError(submission.StageGrading,
			errors.Errorf("unexpected provider status %d", res.StatusCode))
	}

	var out generateResponse
	if err = json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", core.NewProviderError(submission.StageGrading, errors.Wrap(err, "decoding provider response"))
	}
	return out.Response, nil
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

func buildPrompt(text string, rubric assignment.Rubric) string {
	var b strings.Builder
	b.WriteString("You are grading a student submission against a rubric.\n\n")
	b.WriteString("Rubric: " + rubric.Title + "\n")
	for _, crit := range rubric.Criteria {
		fmt.Fprintf(&b, "- %s (max %g points): %s\n", crit.Name, crit.MaxPoints, crit.Description)
	}
	b.WriteString("\nSubmission text:\n")
	b.WriteString(text)
	b.WriteString("\n\nRespond with JSON only, in this exact shape:\n")
	b.WriteString(`{"criteria":[{"name":"<criterion name>","points":<number>,"comment":"<short justification>"}],"feedback":"<overall feedback>"}`)
	b.WriteString("\nScore every rubric criterion exactly once. Points must not exceed the criterion maximum.")
	return b.String()
}

// parseGrade decodes the model output into a Grade, tolerating prose around
// the JSON object, and clamps per-criterion points into the rubric bounds.
func parseGrade(raw string, rubric assignment.Rubric) (submission.Grade, error) {
	doc := recoverJSON(raw)
	if doc == "" {
		return submission.Grade{}, core.NewProviderError(submission.StageGrading, errors.New("no JSON object in model output"))
	}
	var wire gradeWire
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return submission.Grade{}, core.NewProviderError(submission.StageGrading, errors.Wrap(err, "decoding model output"))
	}
	if len(wire.Criteria) == 0 {
		return submission.Grade{}, core.NewProviderError(submission.StageGrading, errors.New("model output names no criteria"))
	}

	maxByName := make(map[string]float64, len(rubric.Criteria))
	for _, crit := range rubric.Criteria {
		maxByName[crit.Name] = crit.MaxPoints
	}

	grade := submission.Grade{
		Criteria: make([]submission.CriterionScore, 0, len(wire.Criteria)),
		Feedback: wire.Feedback,
		GradedBy: submission.GraderAI,
	}
	seen := make(map[string]bool, len(wire.Criteria))
	for _, cs := range wire.Criteria {
		maxPts, ok := maxByName[cs.Name]
		if !ok {
			return submission.Grade{}, core.NewProviderError(submission.StageGrading,
				errors.Errorf("model scored unknown criterion %q", cs.Name))
		}
		if seen[cs.Name] {
			return submission.Grade{}, core.NewProviderError(submission.StageGrading,
				errors.Errorf("model scored criterion %q more than once", cs.Name))
		}
		seen[cs.Name] = true
		pts := cs.Points
		if pts < 0 {
			pts = 0
		}
		if pts > maxPts {
			pts = maxPts
		}
		grade.Criteria = append(grade.Criteria, submission.CriterionScore{
			Name:      cs.Name,
			Points:    pts,
			MaxPoints: maxPts,
			Comment:   cs.Comment,
		})
		grade.Score += pts
	}
	for _, crit := range rubric.Criteria {
		if !seen[crit.Name] {
			return submission.Grade{}, core.NewProviderError(submission.StageGrading,
				errors.Errorf("model omitted rubric criterion %q", crit.Name))
		}
	}
	grade.MaxScore = rubric.TotalPoints
	return grade, nil
}

// recoverJSON extracts the first balanced top-level JSON object from s,
// skipping braces inside string literals. Models occasionally wrap the
// object in prose or markdown fences despite the format instruction.
func recoverJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
