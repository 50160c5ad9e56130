package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"seglayout/pkg/linker"
	"seglayout/pkg/utils"
)

var cfg struct {
	verbose     bool
	metricsFile string
	plan        struct {
		file         string
		config       string
		separateCode bool
		loadPhdrs    bool
		maxPageSize  uint64
	}
	copy struct {
		src            string
		dst            string
		removeSections []string
		changeAddress  map[string]string
	}
	dump struct {
		file string
	}
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Lay out ELF sections into loadable segments.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)
	app.Flag("metrics-file", "Write layout metrics in text format to this file.").StringVar(&cfg.metricsFile)

	planCmd := app.Command("plan", "Build a fresh segment map from the sections of a file and print it.")
	planCmd.Arg("file", "ELF file to lay out.").Required().ExistingFileVar(&cfg.plan.file)
	planCmd.Flag("config", "TOML file overriding the target description.").ExistingFileVar(&cfg.plan.config)
	planCmd.Flag("separate-code", "Keep code in its own pages.").BoolVar(&cfg.plan.separateCode)
	planCmd.Flag("load-phdrs", "Map the file and program headers with the first PT_LOAD.").BoolVar(&cfg.plan.loadPhdrs)
	planCmd.Flag("max-page-size", "Override the maximum page size.").Uint64Var(&cfg.plan.maxPageSize)

	copyCmd := app.Command("copy", "Copy a file, carrying its program headers over.")
	copyCmd.Arg("from", "Input ELF file.").Required().ExistingFileVar(&cfg.copy.src)
	copyCmd.Arg("dest", "Where the copy is written.").Required().StringVar(&cfg.copy.dst)
	copyCmd.Flag("remove-section", "Drop the named section. Repeatable.").Short('R').StringsVar(&cfg.copy.removeSections)
	cfg.copy.changeAddress = map[string]string{}
	copyCmd.Flag("change-section-address", "Move a section by a signed delta, as name=delta.").StringMapVar(&cfg.copy.changeAddress)

	dumpCmd := app.Command("dump", "Print the program headers of a file.")
	dumpCmd.Arg("file", "ELF file to read.").Required().ExistingFileVar(&cfg.dump.file)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if cfg.verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	reg := prometheus.NewRegistry()
	metrics := linker.NewMetrics(reg)

	var err error
	switch parsedCmd {
	case planCmd.FullCommand():
		err = plan(metrics)
	case copyCmd.FullCommand():
		err = copyFile(metrics)
	case dumpCmd.FullCommand():
		err = dump()
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}

	if cfg.metricsFile != "" {
		utils.MustNo(prometheus.WriteToTextfile(cfg.metricsFile, reg))
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	if linker.IsKind(err, linker.Sorry) {
		fmt.Fprintf(os.Stderr, "sorry: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

func plan(metrics *linker.Metrics) error {
	obj, target, err := linker.ReadObjectFile(cfg.plan.file)
	if err != nil {
		return err
	}

	link := linker.NewLinkInfo()
	if cfg.plan.config != "" {
		c, err := linker.LoadTargetConfig(cfg.plan.config)
		if err != nil {
			return err
		}
		c.Apply(target, link)
	}
	if cfg.plan.separateCode {
		link.SeparateCode = true
	}
	if cfg.plan.loadPhdrs {
		link.LoadPhdrs = true
	}
	if cfg.plan.maxPageSize != 0 {
		link.MaxPageSize = cfg.plan.maxPageSize
		link.MaxPageSizeSet = true
	}

	ctx := linker.NewPlanContext(obj, target, link)
	ctx.Logger = log.With(logger, "file", cfg.plan.file, "target", target.Name)
	ctx.Metrics = metrics

	p, err := linker.Layout(ctx)
	if err != nil {
		return err
	}
	level.Debug(ctx.Logger).Log("msg", "layout done", "phnum", len(p.Headers), "phoff", p.Phoff)

	linker.WriteSegmentTable(os.Stdout, p.Headers, ctx)
	linker.WriteWarnings(os.Stdout, p)
	return nil
}

func copyFile(metrics *linker.Metrics) error {
	obj, target, err := linker.ReadObjectFile(cfg.copy.src)
	if err != nil {
		return err
	}

	opts := linker.CopyOptions{
		RemoveSections:  cfg.copy.removeSections,
		ChangeAddresses: make(map[string]int64, len(cfg.copy.changeAddress)),
	}
	for name, v := range cfg.copy.changeAddress {
		delta, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "bad address change for %s", name)
		}
		opts.ChangeAddresses[name] = delta
	}

	ctx, isecs := linker.NewCopyContext(obj, target, opts)
	ctx.Logger = log.With(logger, "file", cfg.copy.src, "target", target.Name)
	ctx.Metrics = metrics

	var p *linker.Plan
	if len(obj.Phdrs) == 0 {
		// Nothing to carry over; sections follow the ELF header.
		ctx.NextFilePos = ctx.EhdrSize
		p = ctx.Plan()
	} else {
		mode, err := linker.Reconstruct(ctx, obj, isecs)
		if err != nil {
			return err
		}
		level.Info(ctx.Logger).Log("msg", "program headers reconstructed", "mode", mode)
		if p, err = linker.Layout(ctx); err != nil {
			return err
		}
	}

	buf, err := linker.Emit(ctx, p, linker.ImageHeader{
		OSABI:      obj.OSABI,
		ABIVersion: obj.ABIVersion,
		Entry:      obj.Entry,
		Flags:      obj.Flags,
	})
	if err != nil {
		return err
	}
	linker.WriteWarnings(os.Stderr, p)
	return errors.Wrapf(os.WriteFile(cfg.copy.dst, buf, 0o755), "writing %s", cfg.copy.dst)
}

func dump() error {
	obj, target, err := linker.ReadObjectFile(cfg.dump.file)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s %s, %d program headers, paged %v\n",
		cfg.dump.file, target.Name, obj.Type, len(obj.Phdrs), obj.Paged)
	linker.WriteSegmentTable(os.Stdout, obj.Phdrs, nil)
	return nil
}
