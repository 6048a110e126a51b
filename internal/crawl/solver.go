package crawl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
)

// Captcha budgets. The portal rejects wrong answers silently and
// serves a fresh challenge on every fetch, so runaway loops are easy
// to write and expensive to run. Three independent limits keep them
// bounded.
const (
	// SolverBudget is how many challenge images one answer may
	// burn: images the solver cannot read or answers of the wrong
	// length are discarded and a fresh image is tried.
	SolverBudget = 10

	// SearchCaptchaRetries is how many times a search rejected for
	// a wrong captcha answer may be resubmitted.
	SearchCaptchaRetries = 3

	// CaptchaCeiling caps total challenge fetches per session. A
	// session that hits it is wedged and its task must fail rather
	// than keep the worker busy.
	CaptchaCeiling = 30

	// captchaLength is the fixed answer length the portal issues.
	captchaLength = 6
)

// CaptchaSolver turns a challenge image into its text answer.
type CaptchaSolver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// ExecSolver shells out to an external recognizer: the PNG arrives on
// stdin, the answer comes back on stdout. This keeps the model runtime
// out of the crawler binary and lets deployments swap recognizers
// without a rebuild.
type ExecSolver struct {
	command string
	args    []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecSolver wraps a recognizer command. A zero timeout defaults to
// ten seconds, which is generous for a six character image.
func NewExecSolver(command string, args []string, timeout time.Duration, logger *zap.Logger) *ExecSolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecSolver{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger,
	}
}

// Solve runs the recognizer over one image.
func (e *ExecSolver) Solve(ctx context.Context, image []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Stdin = bytes.NewReader(image)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	// A recognizer that forks can outlive the kill signal while its
	// children hold the output pipes; without a wait delay Run would
	// block far past the timeout.
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("crawl: captcha recognizer: %w", err)
		}
		return "", fmt.Errorf("crawl: captcha recognizer: %s: %w", msg, err)
	}
	return strings.TrimSpace(out.String()), nil
}

// fetchCaptchaImage pulls one challenge image, charging it against the
// session ceiling.
func (s *Session) fetchCaptchaImage(ctx context.Context) ([]byte, error) {
	if s.captchaFetches >= CaptchaCeiling {
		return nil, cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeCaptchaBudget,
			fmt.Sprintf("captcha ceiling of %d fetches reached for this session", CaptchaCeiling))
	}
	s.captchaFetches++

	res, err := s.get(ctx, "captcha", s.client.captchaURL(), s.client.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if err := res.ensureOK("captcha"); err != nil {
		return nil, err
	}
	return res.Body, nil
}

// solveCaptcha produces one plausible answer: fetch an image, run the
// solver, and discard anything that is not exactly six characters.
// Solver failures cost an attempt but never abort the loop; transport
// failures and the session ceiling do.
func (s *Session) solveCaptcha(ctx context.Context) (string, error) {
	for attempt := 0; attempt < SolverBudget; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		image, err := s.fetchCaptchaImage(ctx)
		if err != nil {
			return "", err
		}
		s.client.metrics.CaptchaAttempts.Inc()

		answer, err := s.client.solver.Solve(ctx, image)
		if err != nil {
			s.client.logger.Warn("captcha recognizer failed", zap.Error(err))
			continue
		}
		answer = strings.TrimSpace(answer)
		if len(answer) != captchaLength {
			s.client.logger.Debug("discarding captcha answer of wrong length",
				zap.Int("length", len(answer)))
			continue
		}
		return answer, nil
	}
	return "", cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeCaptchaBudget,
		fmt.Sprintf("no plausible captcha answer in %d attempts", SolverBudget))
}
