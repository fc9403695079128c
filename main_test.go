package main

import (
	"os"
	"path/filepath"
	"testing"

	"SignDetServer/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// runLoad parses args with the real root flags and returns what loadConfig saw.
func runLoad(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	require.NoError(t, os.Unsetenv(config.EnvConfigPath))
	app := newApp()
	var (
		cfg *config.Config
		err error
	)
	app.Action = func(c *cli.Context) error {
		cfg, err = loadConfig(c)
		return nil
	}
	for _, cmd := range app.Commands {
		cmd.Action = app.Action
	}
	require.NoError(t, app.Run(append([]string{"signdet"}, args...)))
	return cfg, err
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing default falls back", func(t *testing.T) {
		t.Chdir(dir)
		cfg, err := runLoad(t)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultWeights, cfg.Model.Weights)
		assert.Equal(t, config.DefaultConf, cfg.Model.Conf)
		assert.Equal(t, 1, cfg.WorkersNum)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := runLoad(t, "-c", filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("flags override file", func(t *testing.T) {
		path := filepath.Join(dir, "signdet.yaml")
		require.NoError(t, os.WriteFile(path, []byte("HTTPPort: 9000\nmodel:\n  weights: a.onnx\n  conf: 0.5\n"), 0o644))

		cfg, err := runLoad(t, "--config", path, "--weights", "b.onnx", "--workers", "3", "--imgsz", "640")
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.HTTPPort)
		assert.Equal(t, "b.onnx", cfg.Model.Weights)
		assert.InDelta(t, 0.5, cfg.Model.Conf, 1e-6)
		assert.Equal(t, 3, cfg.WorkersNum)
		assert.Equal(t, 640, cfg.Model.InputSize)
	})

	t.Run("subcommand flags", func(t *testing.T) {
		t.Chdir(dir)
		cfg, err := runLoad(t, "video", "--output-dir", "out", "clip.mp4")
		require.NoError(t, err)
		assert.Equal(t, "out", cfg.Media.OutputDir)
	})

	t.Run("invalid override", func(t *testing.T) {
		t.Chdir(dir)
		_, err := runLoad(t, "--conf", "1.5")
		assert.Error(t, err)
	})
}

func TestAnnotatedName(t *testing.T) {
	assert.Equal(t, "shots/stop_annotated.jpg", annotatedName("shots/stop.png"))
	assert.Equal(t, "sign_annotated.jpg", annotatedName("sign"))
}

func TestInputArg(t *testing.T) {
	t.Run("flags before the argument", func(t *testing.T) {
		app := newApp()
		var in, out string
		for _, cmd := range app.Commands {
			if cmd.Name == "image" {
				cmd.Action = func(c *cli.Context) error {
					var err error
					in, err = inputArg(c, "image")
					out = c.String(flagOutput)
					return err
				}
			}
		}
		require.NoError(t, app.Run([]string{"signdet", "image", "-o", "out.jpg", "in.jpg"}))
		assert.Equal(t, "in.jpg", in)
		assert.Equal(t, "out.jpg", out)
	})

	t.Run("flags after the argument are rejected", func(t *testing.T) {
		for _, args := range [][]string{
			{"image", "in.jpg", "-o", "out.jpg"},
			{"video", "clip.mp4", "--no-history"},
			{"youtube", "https://youtu.be/abc", "--output-dir", "out"},
		} {
			err := newApp().Run(append([]string{"signdet"}, args...))
			assert.ErrorContains(t, err, "flags must come before", args)
		}
	})

	t.Run("missing argument", func(t *testing.T) {
		err := newApp().Run([]string{"signdet", "image"})
		assert.ErrorContains(t, err, "missing image argument")
	})
}

func TestLoadClassNames(t *testing.T) {
	dir := t.TempDir()

	names, err := loadClassNames("")
	require.NoError(t, err)
	assert.Nil(t, names)

	names, err = loadClassNames(filepath.Join(dir, "data.yaml"))
	require.NoError(t, err)
	assert.Nil(t, names)

	path := filepath.Join(dir, "classes.txt")
	require.NoError(t, os.WriteFile(path, []byte("stop\nyield\n"), 0o644))
	names, err = loadClassNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop", "yield"}, names)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nc: 2\n"), 0o644))
	_, err = loadClassNames(bad)
	assert.Error(t, err)
}
