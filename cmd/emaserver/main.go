// Command emaserver runs the EMA selection engine, either as an HTTP
// service or as a one-shot CLI against a local MEI file.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/emaaddr/ema/internal/browser"
	"github.com/emaaddr/ema/internal/cache"
	"github.com/emaaddr/ema/internal/config"
	"github.com/emaaddr/ema/internal/docinfo"
	"github.com/emaaddr/ema/internal/expr"
	"github.com/emaaddr/ema/internal/fetch"
	"github.com/emaaddr/ema/internal/meierr"
	"github.com/emaaddr/ema/internal/meitree"
	"github.com/emaaddr/ema/internal/server"
	"github.com/emaaddr/ema/internal/slicer"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "emaserver",
		Short: "Expression for Music Addressing (EMA) selection engine",
	}
	root.AddCommand(serveCmd(), infoCmd(), sliceCmd(), browseCmd())
	return root
}

func serveCmd() *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the EMA HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cache.New(cfg.CacheDir)
			if err != nil {
				return err
			}
			fc := fetch.NewClient(cfg.FetchTimeout)
			srv := server.New(fc, c)

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			log.Printf("listening on %s", addr)
			return http.ListenAndServe(addr, srv.Mux())
		},
	}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	cmd.Flags().AddGoFlagSet(fs)
	return cmd
}

func infoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <mei-file>",
		Short: "Print the measure/staff/meter layout DocInfo computes for a local MEI file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := loadLocal(args[0])
			if err != nil {
				return err
			}
			info, err := docinfo.Compute(tree)
			if err != nil {
				return err
			}
			fmt.Printf("measures: %d\n", info.MeasureCount)
			for _, k := range docinfo.SortedKeys(info.Staves) {
				fmt.Printf("staves at %s: %v\n", k, info.Staves[k])
			}
			for _, k := range docinfo.SortedKeys(info.Beats) {
				fmt.Printf("meter at %s: %d/%d\n", k, info.Beats[k].Count, info.Beats[k].Unit)
			}
			return nil
		},
	}
	return cmd
}

func sliceCmd() *cobra.Command {
	var completenessStr string
	var outPath string
	cmd := &cobra.Command{
		Use:   "slice <mei-file> <measures> <staves> <beats>",
		Short: "Slice a local MEI file by an EMA address and print the result",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := loadLocal(args[0])
			if err != nil {
				return err
			}
			info, err := docinfo.Compute(tree)
			if err != nil {
				return err
			}
			result, err := expr.Parse(info, args[1], args[2], args[3])
			if err != nil {
				return err
			}
			completeness, err := expr.ParseCompleteness(completenessStr)
			if err != nil {
				return err
			}
			if err := slicer.Slice(tree, info, result.Selections, completeness); err != nil {
				return err
			}
			out, err := tree.Serialize()
			if err != nil {
				return err
			}
			if outPath == "" {
				os.Stdout.Write(out)
				return nil
			}
			return os.WriteFile(outPath, out, 0o644)
		},
	}
	cmd.Flags().StringVar(&completenessStr, "completeness", "", "completeness options, e.g. raw,signature")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write sliced MEI to this file instead of stdout")
	return cmd
}

func browseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browse <mei-file>",
		Short: "Interactively build an EMA address against a local MEI file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := loadLocal(args[0])
			if err != nil {
				return err
			}
			info, err := docinfo.Compute(tree)
			if err != nil {
				return err
			}
			m := browser.New(info)
			p := tea.NewProgram(m, tea.WithAltScreen())
			final, err := p.Run()
			if err != nil {
				return err
			}
			if fm, ok := final.(*browser.Model); ok {
				fmt.Println(fm.Expression())
			}
			return nil
		},
	}
	return cmd
}

func loadLocal(path string) (*meitree.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, meierr.Malformedf("could not read %q: %v", path, err)
	}
	return meitree.Load(data)
}
