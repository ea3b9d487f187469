/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/go-dyld/pkg/export"
)

var symNameColor = color.New(color.Bold).SprintFunc()
var symKindColor = color.New(color.Faint, color.FgCyan).SprintfFunc()

func init() {
	rootCmd.AddCommand(trieCmd)
	trieCmd.AddCommand(triePrintCmd)
}

// trieCmd groups the exports trie commands
var trieCmd = &cobra.Command{
	Use:   "trie",
	Short: "Inspect exports tries",
}

var triePrintCmd = &cobra.Command{
	Use:           "print <trie-file>",
	Short:         "Dump the exported symbols of a serialized exports trie",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", args[0])
		}

		exports := export.NewExportsTrie(data)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		count := 0
		err = exports.ForEachExportedSymbol(func(sym export.Symbol) bool {
			count++
			switch {
			case isReExport(sym):
				ord, name, _ := sym.IsReExport()
				fmt.Fprintf(w, "%s\t%s\n", symNameColor(sym.Name()), symKindColor("re-export of %s from dylib #%d", name, ord))
			default:
				off, _ := sym.ImplOffset()
				kind := sym.Kind().String()
				if sym.IsWeakDef() {
					kind += "|weak"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", colorAddr("%#09x", off), symKindColor("(%s)", kind), symNameColor(sym.Name()))
			}
			return false
		})
		if err != nil {
			return err
		}
		w.Flush()
		fmt.Printf("\n%s exports (%s)\n", humanize.Comma(int64(count)), humanize.Bytes(uint64(len(data))))
		return nil
	},
}

func isReExport(sym export.Symbol) bool {
	_, _, ok := sym.IsReExport()
	return ok
}
