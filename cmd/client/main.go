// Command sensei-client submits a source file to a sensei server and relays
// the program's terminal.
//
// Usage:
//
//	sensei-client run [-server URL] [-lang ID] [-watch] file
//	sensei-client explain [-server URL] line
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sensei/internal/watcher"
)

const defaultServer = "http://localhost:8420"

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "run":
		code = runCmd(ctx, &logger, os.Args[2:])
	case "explain":
		code = explainCmd(ctx, os.Args[2:])
	default:
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sensei-client run [-server URL] [-lang ID] [-watch] file")
	fmt.Fprintln(os.Stderr, "       sensei-client explain [-server URL] line")
}

func runCmd(ctx context.Context, logger *zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	server := fs.String("server", defaultServer, "server base URL")
	lang := fs.String("lang", "", "toolchain id (defaults to the server's)")
	watch := fs.Bool("watch", false, "resubmit the file every time it is saved")
	fs.Parse(args)

	if fs.NArg() != 1 {
		usage()
		return 2
	}
	path := fs.Arg(0)

	url, err := runURL(*server)
	if err != nil {
		logger.Error().Err(err).Msg("bad server URL")
		return 2
	}

	r := &runner{
		url:    url,
		path:   path,
		lang:   *lang,
		stdin:  readLines(os.Stdin),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	if !*watch {
		code, err := r.runOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("run failed")
			return 1
		}
		return code
	}

	if err := r.watch(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("watch failed")
		return 1
	}
	return 0
}

// watch runs the file now and again after every save, cancelling a run that
// is still in progress.
func (r *runner) watch(ctx context.Context, logger *zerolog.Logger) error {
	saved := make(chan struct{}, 1)
	w := watcher.New(watcher.DefaultDebounce, func(string) {
		select {
		case saved <- struct{}{}:
		default:
		}
	}, logger)
	defer w.Shutdown()

	if err := w.Watch(r.path); err != nil {
		return fmt.Errorf("watch %s: %w", r.path, err)
	}

	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			_, err := r.runOnce(runCtx)
			done <- err
		}()

		select {
		case err := <-done:
			cancel()
			if err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("run failed")
			}
			fmt.Fprintf(r.stderr, "\n[watching %s]\n", filepath.Base(r.path))
			select {
			case <-saved:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-saved:
			cancel()
			<-done
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		}
		fmt.Fprintf(r.stderr, "\n[%s changed, rerunning]\n", filepath.Base(r.path))
	}
}

func explainCmd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("explain", flag.ExitOnError)
	server := fs.String("server", defaultServer, "server base URL")
	fs.Parse(args)

	if fs.NArg() == 0 {
		usage()
		return 2
	}

	explanation, err := explain(ctx, http.DefaultClient, *server, strings.Join(fs.Args(), " "))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(explanation)
	return 0
}

func explain(ctx context.Context, hc *http.Client, server, line string) (string, error) {
	body, err := json.Marshal(map[string]string{"line": line})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/explain", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("explain request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Explanation string `json:"explanation"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode explain response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("explain: %s (%d)", out.Error, resp.StatusCode)
	}
	return out.Explanation, nil
}

// readLines forwards lines from r until EOF. One reader serves every run so
// a restart in watch mode does not lose typed input to an orphaned goroutine.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}
