package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	iface "SignDetServer/interface"
	"SignDetServer/media"
	"SignDetServer/pipeline"
	"SignDetServer/store"

	"github.com/urfave/cli/v2"
)

const progressEvery = 50

// inputArg returns the single positional argument. Flags are only parsed
// before it, so anything left over is most likely a misplaced flag.
func inputArg(c *cli.Context, what string) (string, error) {
	switch c.Args().Len() {
	case 0:
		return "", fmt.Errorf("missing %s argument", what)
	case 1:
		return c.Args().First(), nil
	}
	return "", fmt.Errorf("unexpected arguments %q after the %s: flags must come before it", c.Args().Tail(), what)
}

func imageAction(c *cli.Context) error {
	in, err := inputArg(c, "image")
	if err != nil {
		return err
	}
	if err := media.CheckExtension(in, media.ImageExtensions); err != nil {
		return err
	}
	buf, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	svc, err := bootstrap(c, !c.Bool(flagNoHistory))
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.proc.ProcessImage(c.Context, filepath.Base(in), buf)
	if err != nil {
		return err
	}
	out := c.String(flagOutput)
	if out == "" {
		out = annotatedName(in)
	}
	if err := os.WriteFile(out, res.Annotated, 0o644); err != nil {
		return err
	}
	printDetections(c, res.Detections)
	fmt.Fprintf(c.App.Writer, "%d signs in %s, annotated image written to %s\n", len(res.Detections), res.Elapsed.Round(time.Millisecond), out)
	return nil
}

func videoAction(c *cli.Context) error {
	in, err := inputArg(c, "video")
	if err != nil {
		return err
	}
	if err := media.CheckExtension(in, media.VideoExtensions); err != nil {
		return err
	}
	svc, err := bootstrap(c, !c.Bool(flagNoHistory))
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	sum, err := svc.proc.ProcessVideoFile(ctx, store.KindVideo, filepath.Base(in), in, progress(c))
	return reportVideo(c, sum, err)
}

func youtubeAction(c *cli.Context) error {
	url, err := inputArg(c, "URL")
	if err != nil {
		return err
	}
	if _, err := media.ParseVideoURL(url); err != nil {
		return err
	}
	svc, err := bootstrap(c, !c.Bool(flagNoHistory))
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := svc.cfg.Media
	fmt.Fprintln(c.App.Writer, "Downloading", url)
	path, err := media.NewDownloader(svc.temp, cfg.DownloadTimeout, cfg.MaxVideoHeight, cfg.MaxVideoMB<<20).Fetch(ctx, url)
	if err != nil {
		return fmt.Errorf("error downloading video: %w", err)
	}
	sum, err := svc.proc.ProcessTempFile(ctx, store.KindYouTube, url, path, progress(c))
	return reportVideo(c, sum, err)
}

func progress(c *cli.Context) pipeline.FrameSink {
	return func(f pipeline.Frame) error {
		if f.Index%progressEvery == 0 {
			fmt.Fprintf(c.App.Writer, "frame %6d  %3d signs  %s\n", f.Index, f.Result.Count(), f.Elapsed.Round(time.Millisecond))
		}
		return nil
	}
}

func reportVideo(c *cli.Context, sum *pipeline.VideoSummary, err error) error {
	if sum != nil {
		fmt.Fprintf(c.App.Writer, "%d frames, %d signs in %s\n", sum.Frames, sum.Detections, sum.Elapsed.Round(time.Millisecond))
		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		for name, n := range sum.PerClass {
			fmt.Fprintf(w, "  %s\t%d\n", name, n)
		}
		_ = w.Flush()
		if sum.Output != "" {
			fmt.Fprintln(c.App.Writer, "annotated video written to", sum.Output)
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(c.App.Writer, "interrupted")
			return nil
		}
		return err
	}
	fmt.Fprintln(c.App.Writer, "Video processing complete!")
	return nil
}

func printDetections(c *cli.Context, dets []iface.Detection) {
	if len(dets) == 0 {
		return
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SIGN\tCONF\tBOX")
	for _, d := range dets {
		fmt.Fprintf(w, "%s\t%.3f\t%d,%d,%d,%d\n", d.Name, d.Confidence, d.X1, d.Y1, d.X2, d.Y2)
	}
	_ = w.Flush()
}

func annotatedName(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + "_annotated.jpg"
}
