package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/liamcoop/querytree/celquery"
	"github.com/liamcoop/querytree/internal/config"
	"github.com/liamcoop/querytree/internal/logger"
	"github.com/liamcoop/querytree/rules"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			logger.Error("evaluation failed", slog.String("error", err.Error()))
		}
		os.Exit(1)
	}
}

type options struct {
	configPath string
	typesPath  string
	objectPath string
	queryPath  string
	storePath  string
	save       string
	all        bool
	cel        bool
	useCEL     bool
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML or JSON config file")
	fs.StringVar(&opts.typesPath, "types", "", "Property type map (YAML or JSON); overrides the config's propertyTypes")
	fs.StringVar(&opts.objectPath, "object", "", "Business object JSON file, - for stdin")
	fs.StringVar(&opts.queryPath, "query", "", "Query tree JSON file")
	fs.StringVar(&opts.storePath, "store", "", "SQLite database of saved queries")
	fs.StringVar(&opts.save, "save", "", "Save -query under this name in -store instead of evaluating it")
	fs.BoolVar(&opts.all, "all", false, "Evaluate every active saved query in -store")
	fs.BoolVar(&opts.cel, "cel", false, "Print the CEL translation of -query instead of evaluating it")
	fs.BoolVar(&opts.useCEL, "via-cel", false, "Evaluate -query through its compiled CEL program")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	switch {
	case opts.all && opts.storePath == "":
		return opts, fmt.Errorf("-all requires -store")
	case opts.save != "" && (opts.storePath == "" || opts.queryPath == ""):
		return opts, fmt.Errorf("-save requires -store and -query")
	case !opts.all && opts.queryPath == "":
		return opts, fmt.Errorf("-query or -all is required")
	}
	return opts, nil
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	types := cfg.PropertyTypes
	if opts.typesPath != "" {
		data, err := os.ReadFile(opts.typesPath)
		if err != nil {
			return fmt.Errorf("read property types: %w", err)
		}
		if types, err = rules.ParsePropertyTypeMap(data); err != nil {
			return err
		}
	}

	engine := rules.NewEngine(types, append(cfg.EngineOptions(), rules.WithLogger(logger.Logger))...)

	if opts.storePath != "" {
		return runStore(opts, engine, stdin, stdout)
	}

	query, err := readQuery(opts.queryPath)
	if err != nil {
		return err
	}

	if opts.cel {
		expr, err := celquery.Translate(query, types)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, expr)
		return err
	}

	object, err := readObject(opts.objectPath, stdin)
	if err != nil {
		return err
	}

	var matched bool
	if opts.useCEL {
		prog, err := celquery.Compile(query, types)
		if err != nil {
			return err
		}
		matched, err = celquery.Eval(prog, object)
		if err != nil {
			return err
		}
	} else {
		matched, err = engine.Execute(object, query)
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintln(stdout, matched)
	return err
}

func runStore(opts options, engine *rules.Engine, stdin io.Reader, stdout io.Writer) error {
	store, err := rules.NewSQLiteQueryStore(opts.storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog, err := rules.NewCatalog(engine, store)
	if err != nil {
		return err
	}

	if opts.save != "" {
		query, err := readQuery(opts.queryPath)
		if err != nil {
			return err
		}
		q := &rules.SavedQuery{ID: uuid.NewString(), Name: opts.save, Query: query, Active: true}
		if err := catalog.AddQuery(q); err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, q.ID)
		return err
	}

	object, err := readObject(opts.objectPath, stdin)
	if err != nil {
		return err
	}

	results, err := catalog.EvaluateAll(object)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	var failed int
	for _, result := range results {
		line := map[string]any{
			"queryId":   result.QueryID,
			"queryName": result.QueryName,
			"matched":   result.Matched,
		}
		if result.Error != nil {
			line["error"] = result.Error.Error()
			failed++
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d queries could not be evaluated", failed, len(results))
	}
	return nil
}

func readQuery(path string) (*rules.Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query: %w", err)
	}
	return rules.ParseQuery(data)
}

func readObject(path string, stdin io.Reader) (rules.BusinessObject, error) {
	if path == "" {
		return nil, fmt.Errorf("-object is required")
	}

	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read object: %w", err)
		}
		defer f.Close()
		r = f
	}

	var object rules.BusinessObject
	if err := json.NewDecoder(r).Decode(&object); err != nil {
		return nil, fmt.Errorf("failed to parse object: %w", err)
	}
	return object, nil
}
