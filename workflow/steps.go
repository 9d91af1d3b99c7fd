package workflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	md "github.com/JohannesKaufmann/html-to-markdown"
	readability "github.com/go-shiori/go-readability"

	"github.com/c360studio/semhooks/gitio"
	"github.com/c360studio/semhooks/graph"
	"github.com/c360studio/semhooks/hooks"
	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/rdf"
)

// stepOutcome is the kind-specific result of one step attempt.
type stepOutcome struct {
	output     string
	outputHash string
	exitCode   *int
	httpStatus int
}

func (e *Executor) runSparql(ctx context.Context, step hooks.Step, view *graph.Snapshot, env *Env) (stepOutcome, error) {
	query, err := env.Render(step.Name+".query", step.Query)
	if err != nil {
		return stepOutcome{}, err
	}

	res, err := rdf.Select(view.Dataset(), query)
	if err != nil {
		return stepOutcome{}, model.E(model.KindStep, "run sparql step", err)
	}

	rows := make([]map[string]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		out := make(map[string]string, len(res.Vars))
		for _, v := range res.Vars {
			out[v] = rdf.LexicalValue(row[v])
		}
		rows = append(rows, out)
	}
	encoded, err := model.CanonicalJSON(rows)
	if err != nil {
		return stepOutcome{}, model.E(model.KindStep, "encode sparql result", err)
	}
	return stepOutcome{output: string(encoded), outputHash: model.SHA256Hex(encoded)}, nil
}

func (e *Executor) runTemplate(ctx context.Context, step hooks.Step, env *Env) (stepOutcome, error) {
	rendered, err := env.Render(step.Name+".template", step.Template)
	if err != nil {
		return stepOutcome{}, err
	}
	outPath, err := env.Render(step.Name+".outPath", step.OutPath)
	if err != nil {
		return stepOutcome{}, err
	}
	resolved, err := resolveInRoot(e.root, outPath)
	if err != nil {
		return stepOutcome{}, err
	}

	err = e.locks.WithLock(ctx, lockNameFor(e.rootResolved(), resolved), gitio.LockOptions{}, func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
			return model.StepE(model.CodeFileIO, "create output directory", err)
		}
		if err := os.WriteFile(resolved, []byte(rendered), 0644); err != nil {
			return model.StepE(model.CodeFileIO, "write rendered template", err)
		}
		return nil
	})
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{outputHash: model.SHA256Hex([]byte(rendered))}, nil
}

func (e *Executor) runFile(ctx context.Context, step hooks.Step, env *Env) (stepOutcome, error) {
	dst, err := env.Render(step.Name+".dst", step.Dst)
	if err != nil {
		return stepOutcome{}, err
	}
	resolvedDst, err := resolveInRoot(e.root, dst)
	if err != nil {
		return stepOutcome{}, err
	}

	var outcome stepOutcome
	err = e.locks.WithLock(ctx, lockNameFor(e.rootResolved(), resolvedDst), gitio.LockOptions{}, func(ctx context.Context) error {
		switch step.FileOp {
		case "write", "append":
			content, err := env.Render(step.Name+".content", step.Content)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(resolvedDst), 0755); err != nil {
				return model.StepE(model.CodeFileIO, "create directory", err)
			}
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if step.FileOp == "append" {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(resolvedDst, flags, 0644)
			if err != nil {
				return model.StepE(model.CodeFileIO, "open file", err)
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return model.StepE(model.CodeFileIO, "write file", err)
			}
			if err := f.Close(); err != nil {
				return model.StepE(model.CodeFileIO, "close file", err)
			}
			outcome.outputHash = model.SHA256Hex([]byte(content))
			return nil

		case "copy":
			src, err := env.Render(step.Name+".src", step.Src)
			if err != nil {
				return err
			}
			resolvedSrc, err := resolveInRoot(e.root, src)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(resolvedSrc)
			if err != nil {
				return model.StepE(model.CodeFileIO, "read source file", err)
			}
			if err := os.MkdirAll(filepath.Dir(resolvedDst), 0755); err != nil {
				return model.StepE(model.CodeFileIO, "create directory", err)
			}
			if err := os.WriteFile(resolvedDst, data, 0644); err != nil {
				return model.StepE(model.CodeFileIO, "write destination file", err)
			}
			outcome.outputHash = model.SHA256Hex(data)
			return nil

		case "delete":
			if err := os.Remove(resolvedDst); err != nil && !os.IsNotExist(err) {
				return model.StepE(model.CodeFileIO, "delete file", err)
			}
			return nil

		default:
			return model.StepE(model.CodeFileIO, "run file step",
				fmt.Errorf("unknown file op %q", step.FileOp))
		}
	})
	if err != nil {
		return stepOutcome{}, err
	}
	return outcome, nil
}

func (e *Executor) runHTTP(ctx context.Context, runID string, step hooks.Step, env *Env) (stepOutcome, error) {
	url, err := env.Render(step.Name+".url", step.URL)
	if err != nil {
		return stepOutcome{}, err
	}
	body, err := env.Render(step.Name+".body", step.Body)
	if err != nil {
		return stepOutcome{}, err
	}

	method := step.Method
	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return stepOutcome{}, model.StepE(model.CodeHTTPStatus, "build http request", err)
	}
	for name, value := range step.Headers {
		rendered, err := env.Render(step.Name+".header", value)
		if err != nil {
			return stepOutcome{}, err
		}
		req.Header.Set(name, rendered)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return stepOutcome{}, model.E(model.KindIO, "send http request", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return stepOutcome{httpStatus: resp.StatusCode}, model.E(model.KindIO, "read http response", err)
	}

	outcome := stepOutcome{
		httpStatus: resp.StatusCode,
		outputHash: model.SHA256Hex(payload),
	}

	if resp.StatusCode >= 400 {
		return outcome, &model.Error{
			Kind:       model.KindStep,
			Op:         "run http step",
			Code:       model.CodeHTTPStatus,
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("%s %s returned %s", method, url, resp.Status),
		}
	}

	if step.Capture == "markdown" {
		text, err := htmlToMarkdown(payload, url)
		if err != nil {
			return outcome, model.E(model.KindStep, "capture http response", err)
		}
		payload = []byte(text)
	}

	if len(payload) <= e.maxInlineBytes {
		outcome.output = string(payload)
	} else {
		key := "http/" + runID + "/" + step.Name
		hash, err := e.snapshots.Put(ctx, key, payload, map[string]string{"url": url})
		if err != nil {
			return outcome, model.E(model.KindIO, "store http body snapshot", err)
		}
		outcome.output = "snapshot:" + key + "@" + hash
	}
	return outcome, nil
}

// htmlToMarkdown extracts the readable article from an HTML page and
// converts it to Markdown.
func htmlToMarkdown(payload []byte, pageURL string) (string, error) {
	article, err := readability.FromReader(strings.NewReader(string(payload)), nil)
	if err != nil {
		return "", fmt.Errorf("extract article: %w", err)
	}
	converter := md.NewConverter("", true, nil)
	text, err := converter.ConvertString(article.Content)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return text, nil
}

func (e *Executor) runCLI(ctx context.Context, step hooks.Step, env *Env) (stepOutcome, error) {
	args := make([]string, 0, len(step.Args))
	for i, raw := range step.Args {
		rendered, err := env.Render(fmt.Sprintf("%s.arg%d", step.Name, i), raw)
		if err != nil {
			return stepOutcome{}, err
		}
		args = append(args, rendered)
	}

	cwd := e.rootResolved()
	if step.Cwd != "" {
		resolved, err := resolveInRoot(e.root, step.Cwd)
		if err != nil {
			return stepOutcome{}, err
		}
		cwd = resolved
	}

	cmd := exec.CommandContext(ctx, step.Command, args...)
	cmd.Dir = cwd
	// Sanitized environment: deterministic output, no ambient credentials.
	cmd.Env = []string{
		"TZ=UTC",
		"LANG=C",
		"PATH=" + os.Getenv("PATH"),
	}
	// SIGTERM on cancellation, SIGKILL after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGraceWindow

	output, err := cmd.CombinedOutput()
	outcome := stepOutcome{
		output:     truncate(string(output), e.maxInlineBytes),
		outputHash: model.SHA256Hex(output),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			outcome.exitCode = &code
			return outcome, model.StepE(model.CodeCLIExit, "run cli step",
				fmt.Errorf("%s exited with code %d", step.Command, code))
		}
		return outcome, model.E(model.KindStep, "run cli step", err)
	}
	zero := 0
	outcome.exitCode = &zero
	return outcome, nil
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
