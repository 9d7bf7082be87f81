package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/skudasov/vuload"
	"github.com/skudasov/vuload/load"
	"github.com/skudasov/vuload/mockapi"
)

type exitCoder int

func (e exitCoder) Error() string { return "thresholds failed" }

func suiteConfig(c *cli.Context) (*vuload.SuiteConfig, error) {
	var (
		cfg *vuload.SuiteConfig
		err error
	)
	if path := c.String("config"); path != "" {
		if cfg, err = vuload.LoadSuiteConfig(path); err != nil {
			return nil, err
		}
	} else {
		cfg = load.DefaultConfig()
	}
	cfg.ApplyOverrides(vuload.Overrides{
		VUs:            c.Int("vus"),
		DurationSec:    c.Int("duration"),
		OutputFilename: c.String("out"),
		CSVLog:         c.String("csv"),
	})
	return cfg, nil
}

func generatorConfig(c *cli.Context) (*vuload.GeneratorConfig, error) {
	cfg, err := vuload.LoadGeneratorConfig(c.String("gen_config"))
	if err != nil {
		return nil, err
	}
	if target := c.String("target"); target != "" {
		cfg.Generator.Target = target
	}
	if _, err := vuload.NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAction(c *cli.Context) error {
	genCfg, err := generatorConfig(c)
	if err != nil {
		return err
	}
	suiteCfg, err := suiteConfig(c)
	if err != nil {
		return err
	}
	lm, err := vuload.Run(c.Context, suiteCfg, genCfg, load.AttackerFromName, load.CheckFromName, vuload.RunOptions{})
	if err != nil {
		return err
	}
	if lm.Failed() {
		return exitCoder(vuload.ExitCodeThresholdsFailed)
	}
	return nil
}

func sampleAction(c *cli.Context) error {
	count := 1
	if arg := c.Args().First(); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return fmt.Errorf("sample count must be a positive number, got %q", arg)
		}
		count = n
	}
	genCfg, err := generatorConfig(c)
	if err != nil {
		return err
	}
	suiteCfg, err := suiteConfig(c)
	if err != nil {
		return err
	}
	lm := vuload.NewLoadManager(suiteCfg, genCfg)
	for _, step := range suiteCfg.Steps {
		for _, h := range step.Handles {
			a, err := load.AttackerFromName(h.HandleName)
			if err != nil {
				return err
			}
			r, err := vuload.NewRunner(h.HandleName, lm, a, nil, h)
			if err != nil {
				return err
			}
			if _, err := r.Sample(c.Context, count); err != nil {
				return err
			}
		}
	}
	return nil
}

func mockAction(c *cli.Context) error {
	e := mockapi.New(nil, true)
	addr := fmt.Sprintf(":%d", c.Int("port"))
	go func() {
		<-c.Context.Done()
		_ = e.Shutdown(context.Background())
	}()
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func configAction(c *cli.Context) error {
	cfg, err := suiteConfig(c)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}

func main() {
	suiteFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "suite config filepath, the built-in users scenario runs without it",
		},
		&cli.IntFlag{
			Name:  "vus",
			Usage: "overrides vus of every handle",
		},
		&cli.IntFlag{
			Name:  "duration",
			Usage: "overrides duration_sec of every handle",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "json report filename",
		},
		&cli.StringFlag{
			Name:  "csv",
			Usage: "per request csv log filename",
		},
	}
	genFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "gen_config",
			Usage: "generator config filepath",
		},
		&cli.StringFlag{
			Name:  "target",
			Usage: "base url of the api under test",
		},
	}
	app := &cli.App{
		Name:  "vuload",
		Usage: "virtual user load generator",
		Commands: []*cli.Command{
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "run load test suite",
				Flags:   append(append([]cli.Flag{}, suiteFlags...), genFlags...),
				Action:  runAction,
			},
			{
				Name:      "sample",
				Aliases:   []string{"s"},
				Usage:     "run N iterations of every handle on one virtual user and log the results",
				ArgsUsage: "N",
				Flags:     append(append([]cli.Flag{}, suiteFlags...), genFlags...),
				Action:    sampleAction,
			},
			{
				Name:  "mock",
				Usage: "serve the in-memory user management api",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Value: 5000,
						Usage: "listen port",
					},
				},
				Action: mockAction,
			},
			{
				Name:   "config",
				Usage:  "print the effective suite config",
				Flags:  suiteFlags,
				Action: configAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		var code exitCoder
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		vuload.Log().Errorf("%s", err)
		os.Exit(1)
	}
}
