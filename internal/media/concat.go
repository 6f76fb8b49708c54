// Package media assembles segment clips into the final render with ffmpeg.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/client"
	"golang.org/x/sync/errgroup"
)

// maxParallelDownloads bounds concurrent clip downloads per concat.
const maxParallelDownloads = 4

type commandRunner func(ctx context.Context, name string, args ...string) error

// FFmpegMuxer concatenates stored clips with ffmpeg's concat demuxer. Clips
// are stream-copied, so they must share codec parameters, which holds for
// clips from the same workflow.
type FFmpegMuxer struct {
	storage client.StorageClient
	binary  string
	workDir string
	run     commandRunner
	log     zerolog.Logger
}

// NewFFmpegMuxer creates a muxer. An empty binary means "ffmpeg" on PATH and
// an empty workDir means the system temp dir.
func NewFFmpegMuxer(storage client.StorageClient, binary, workDir string, log zerolog.Logger) *FFmpegMuxer {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegMuxer{
		storage: storage,
		binary:  binary,
		workDir: workDir,
		run:     runCommand,
		log:     log.With().Str("component", "ffmpeg").Logger(),
	}
}

// Concat downloads refs in parallel, joins them in the given order and
// uploads the result to outputKey.
func (m *FFmpegMuxer) Concat(ctx context.Context, refs []string, outputKey string) (string, error) {
	if len(refs) == 0 {
		return "", errors.New("nothing to concatenate")
	}

	dir, err := os.MkdirTemp(m.workDir, "render-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	clips, err := m.download(ctx, dir, refs)
	if err != nil {
		return "", err
	}

	output := clips[0]
	if len(clips) > 1 {
		output = filepath.Join(dir, "output.mp4")
		if err := m.join(ctx, dir, clips, output); err != nil {
			return "", err
		}
	}

	f, err := os.Open(output)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	ref, err := m.storage.Upload(ctx, outputKey, f, "video/mp4")
	if err != nil {
		return "", fmt.Errorf("upload render: %w", err)
	}
	m.log.Info().Int("clips", len(clips)).Str("asset_ref", ref).Msg("render assembled")
	return ref, nil
}

func (m *FFmpegMuxer) download(ctx context.Context, dir string, refs []string) ([]string, error) {
	paths := make([]string, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)

	for i, ref := range refs {
		i, ref := i, ref
		paths[i] = filepath.Join(dir, fmt.Sprintf("clip-%04d%s", i, clipExt(ref)))
		g.Go(func() error {
			if err := m.fetch(gctx, ref, paths[i]); err != nil {
				return fmt.Errorf("fetch clip %d (%s): %w", i, ref, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (m *FFmpegMuxer) fetch(ctx context.Context, ref, path string) error {
	rc, err := m.storage.Open(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *FFmpegMuxer) join(ctx context.Context, dir string, clips []string, output string) error {
	listPath := filepath.Join(dir, "clips.txt")
	if err := os.WriteFile(listPath, []byte(concatList(clips)), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		output,
	}
	if err := m.run(ctx, m.binary, args...); err != nil {
		return fmt.Errorf("ffmpeg concat: %w", err)
	}
	return nil
}

// concatList renders the concat demuxer's input file.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		// Single quotes close, escape and reopen inside a quoted path.
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func clipExt(ref string) string {
	if ext := filepath.Ext(ref); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".mp4"
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
