// Package main contains ejdbctl, a command-line front end for the ejdb
// document engine. It replaces the out-of-scope CGI admin front end
// (spec.md §1) with a native CLI surface, structured the way
// Pieczasz-smf's cmd/smf lays out its cobra command tree.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	ejbson "github.com/kinfkong/ejdb/bson"
	"github.com/kinfkong/ejdb/ejerr"

	ejdbpkg "github.com/kinfkong/ejdb"
)

var (
	dbDir      string
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ejdbctl",
		Short: "Command-line front end for the ejdb document engine",
	}
	rootCmd.PersistentFlags().StringVar(&dbDir, "db", "", "database directory (overrides the config file's dir)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML configuration file")

	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(saveCmd())
	rootCmd.AddCommand(findCmd())
	rootCmd.AddCommand(ensureIndexCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(statCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ejerr.ExitCode(err))
	}
}

// resolveDir merges --db over the config file's `dir` entry.
func resolveDir() (string, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	dir := dbDir
	if dir == "" {
		dir = cfg.Dir
	}
	if dir == "" {
		return "", ejerr.New(ejerr.InvalidArgument, "no database directory given (--db or config dir)")
	}
	return dir, nil
}

func openDB() (*ejdbpkg.DB, error) {
	dir, err := resolveDir()
	if err != nil {
		return nil, err
	}
	return ejdbpkg.Open(dir)
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open (creating if absent) the database directory and report its catalog",
		RunE: func(_ *cobra.Command, _ []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return printJSON(db.Meta())
		},
	}
}

func saveCmd() *cobra.Command {
	var merge bool
	cmd := &cobra.Command{
		Use:   "save <collection> <json-doc>",
		Short: "Save a JSON document into a collection, printing its _id",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			doc, err := ejbson.FromJSON(args[1])
			if err != nil {
				return ejerr.Wrap(ejerr.InvalidArgument, "parse document JSON", err)
			}
			coll, err := db.EnsureCollection(args[0], ejdbpkg.CollectionOptions{})
			if err != nil {
				return err
			}
			id, err := coll.Save(docToM(doc), merge)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"_id": id.Hex()})
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", true, "overwrite an existing _id instead of rejecting the save")
	return cmd
}

func findCmd() *cobra.Command {
	var hintsJSON string
	var explain bool
	cmd := &cobra.Command{
		Use:   "find <collection> <json-query>",
		Short: "Run a query against a collection and print the matching documents",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			q, err := ejbson.FromJSON(args[1])
			if err != nil {
				return ejerr.Wrap(ejerr.InvalidArgument, "parse query JSON", err)
			}
			hints := ejbson.D{}
			if hintsJSON != "" {
				hints, err = ejbson.FromJSON(hintsJSON)
				if err != nil {
					return ejerr.Wrap(ejerr.InvalidArgument, "parse hints JSON", err)
				}
			}
			hintsM := docToM(hints)
			if explain {
				hintsM["explain"] = true
			}
			coll, err := db.Collection(args[0])
			if err != nil {
				return err
			}
			res, err := coll.Query(docToM(q), hintsM)
			if err != nil {
				return err
			}
			if explain {
				fmt.Fprintln(os.Stderr, res.ExplainLog)
			}
			return printJSON(res.Docs)
		},
	}
	cmd.Flags().StringVar(&hintsJSON, "hints", "", "JSON hints document (orderby/skip/max/fields/onlycount)")
	cmd.Flags().BoolVar(&explain, "explain", false, "print the explain narrative to stderr")
	return cmd
}

func ensureIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensure-index <collection> <field> <kind>",
		Short: "Create (or confirm) a secondary index; kind is one of string, icase, numeric, array",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			coll, err := db.EnsureCollection(args[0], ejdbpkg.CollectionOptions{})
			if err != nil {
				return err
			}
			kind, ok := indexKindFromString(args[2])
			if !ok {
				return ejerr.New(ejerr.InvalidArgument, "unknown index kind: "+args[2])
			}
			return coll.EnsureIndex(args[1], kind)
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	var collections string
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Export every (or the named) collections to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			var names []string
			if collections != "" {
				names = strings.Split(collections, ",")
			}
			return db.Export(args[0], names)
		},
	}
	cmd.Flags().StringVar(&collections, "collections", "", "comma-separated collection names (default: all)")
	return cmd
}

func importCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import a previously exported directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Import(args[0], ejdbpkg.ImportMode(mode))
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "update", "replace (truncate-then-load) or update (upsert-by-_id)")
	return cmd
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print the database catalog: collections, record counts, indexes",
		RunE: func(_ *cobra.Command, _ []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return printJSON(db.Meta())
		},
	}
}

func indexKindFromString(s string) (ejdbpkg.IndexKind, bool) {
	switch s {
	case "string":
		return ejdbpkg.StringIndex, true
	case "icase":
		return ejdbpkg.CaseInsensitiveStringIndex, true
	case "numeric":
		return ejdbpkg.NumericIndex, true
	case "array":
		return ejdbpkg.ArrayTokenIndex, true
	default:
		return 0, false
	}
}

// docToM flattens a decoded D into an M for the collection/query API, which
// works in terms of unordered maps.
func docToM(d ejbson.D) ejdbM {
	m := ejdbM{}
	for _, e := range d {
		m[e.Key] = e.Value
	}
	return m
}

type ejdbM = map[string]interface{}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
