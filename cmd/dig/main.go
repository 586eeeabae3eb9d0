package main

import (
	"log"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"
	"golang.org/x/tools/go/packages"

	"github.com/BarrensZeppelin/dig"
	"github.com/BarrensZeppelin/dig/pkgutil"
)

var (
	configPath string
	outputPath string
	dir        string
	cpuprofile string
	verbose    bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "dig package...",
		Short: "Discover indirect memory access patterns and emit a data indirection graph",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,

		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "analysis configuration file")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the graph to `file` instead of stdout")
	cmd.Flags().StringVar(&dir, "dir", "", "alternative directory to run the go build tool in")
	cmd.Flags().StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to `file`")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log analysis diagnostics")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Fatal("Failed to close", f)
			}
		}()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg := dig.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = dig.LoadConfig(configPath); err != nil {
			return err
		}
	}

	pkgs, err := pkgutil.LoadPackagesWithConfig(&packages.Config{
		Mode: pkgutil.LoadMode,
		Dir:  dir,
	}, args...)
	if err != nil {
		return err
	}

	log.Printf("Loaded %d packages", len(pkgs))

	prog, spkgs := pkgutil.BuildSSA(pkgs)

	var logger *log.Logger
	if verbose {
		logger = log.New(os.Stderr, "", log.Ltime|log.Lshortfile)
	}

	res := dig.Analyze(dig.AnalysisConfig{
		Program:  prog,
		Packages: spkgs,
		Config:   &cfg,
		Log:      logger,
	})

	out := os.Stdout
	if outputPath != "" {
		if out, err = os.Create(outputPath); err != nil {
			return err
		}
		defer out.Close()
	}

	if err := dig.NewEmitter(out).Emit(&res); err != nil {
		return err
	}

	log.Printf("Emitted graph: %v", &res)
	return nil
}
