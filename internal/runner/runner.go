// Package runner executes the wrapped developer command.
//
// Commands run as an argument vector, never through a shell, so shell
// operators have no effect and are rejected up front to avoid silently
// surprising the user. The child inherits the parent's standard
// streams, and its exit is delivered as an event so shutdown paths can
// finalize the in-flight session with the exit code.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

// shellOperators are rejected at the boundary: they would be inert
// without a shell, which is almost never what the user meant.
const shellOperators = "|&;$`<>(){}"

// ExitEvent carries the child's exit code. Err is non-nil for abnormal
// termination (signal, start failure surfaced at wait).
type ExitEvent struct {
	Code int
	Err  error
}

// SplitCommand tokenizes a command line into an argument vector.
// Single and double quotes group words; there is no variable expansion,
// globbing, or redirection. Shell operators outside quotes are
// rejected.
func SplitCommand(line string) ([]string, error) {
	var (
		argv    []string
		current strings.Builder
		quote   rune
		inWord  bool
	)

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
		case strings.ContainsRune(shellOperators, r):
			return nil, fmt.Errorf("shell operator %q is not supported: commands run without a shell", r)
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inWord {
		argv = append(argv, current.String())
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

// ValidateArgs checks a pre-split argument vector for shell operators.
// Used when the vector comes from the CLI after a "--" separator.
func ValidateArgs(argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	for _, arg := range argv {
		if strings.ContainsAny(arg, shellOperators) {
			return fmt.Errorf("argument %q contains a shell operator: commands run without a shell", arg)
		}
	}
	return nil
}

// Runner starts child processes.
type Runner struct {
	logger *log.Logger
}

// New creates a Runner.
//
// If logger is nil, a default logger writing to stderr is used.
func New(logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[runner] ", log.LstdFlags)
	}
	return &Runner{logger: logger}
}

// Start launches argv[0] with the remaining arguments, inheriting the
// parent's standard streams. It returns a channel that delivers exactly
// one ExitEvent when the child terminates.
func (r *Runner) Start(ctx context.Context, argv []string) (<-chan ExitEvent, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	r.logger.Printf("started %s (pid %d)", argv[0], cmd.Process.Pid)

	events := make(chan ExitEvent, 1)
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		r.logger.Printf("%s exited with code %d", argv[0], code)
		events <- ExitEvent{Code: code, Err: err}
	}()
	return events, nil
}
