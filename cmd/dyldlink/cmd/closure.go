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

	"github.com/blacktop/go-dyld/internal/commands/link"
	"github.com/blacktop/go-dyld/internal/config"
	"github.com/blacktop/go-dyld/pkg/loader"
)

var colorImage = color.New(color.Bold, color.FgHiMagenta).SprintFunc()
var colorField = color.New(color.Bold, color.FgHiBlue).SprintFunc()
var colorAddr = color.New(color.Faint).SprintfFunc()

func init() {
	rootCmd.AddCommand(closureCmd)
	closureCmd.AddCommand(closureCreateCmd)
	closureCmd.AddCommand(closurePrintCmd)
	closureCmd.AddCommand(closureGroupCmd)

	closureCreateCmd.Flags().StringP("output", "o", "", "output file (default is <image-set>.closure.json)")
	viper.BindPFlag("closure.output", closureCreateCmd.Flags().Lookup("output"))
}

// closureCmd groups the launch closure commands
var closureCmd = &cobra.Command{
	Use:   "closure",
	Short: "Build and inspect launch closures",
}

var closureCreateCmd = &cobra.Command{
	Use:           "create <image-set.json>",
	Short:         "Pre-resolve every bind of an image set into a launch closure",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		set, err := link.ParseFile(args[0])
		if err != nil {
			return err
		}
		state, group, err := set.BuildState()
		if err != nil {
			return err
		}
		state.SerialWork = conf.Linker.SerialWork

		closure, err := group.MakeClosure()
		if err != nil {
			return err
		}

		output := viper.GetString("closure.output")
		if output == "" {
			output = args[0] + ".closure.json"
		}
		f, err := os.Create(output)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", output)
		}
		defer f.Close()
		if err := closure.Write(f); err != nil {
			return err
		}
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"images": len(closure.Images),
			"size":   humanize.Bytes(uint64(fi.Size())),
		}).Infof("wrote %s", output)
		return nil
	},
}

var closurePrintCmd = &cobra.Command{
	Use:           "print <closure.json>",
	Short:         "Dump a launch closure",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", args[0])
		}
		defer f.Close()
		closure, err := loader.ReadClosure(f)
		if err != nil {
			return err
		}

		fmt.Printf("%s %s (built %s)\n\n", colorField("closure"), closure.ID, closure.BuiltAt.Format("2006-01-02 15:04:05 MST"))
		for _, ci := range closure.Images {
			fmt.Printf("%s %s\n", colorImage(ci.Path), colorAddr("(preferred %#x)", ci.PreferredLoadAddress))
			for _, dep := range ci.DepPaths {
				fmt.Printf("    depends on %s\n", dep)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for i, t := range ci.Targets {
				switch {
				case t.Absolute:
					fmt.Fprintf(w, "    [%d]\t%s\t-> absolute %#x\n", i, t.SymbolName, t.TargetOffset)
				case t.MissingFlatLazy:
					fmt.Fprintf(w, "    [%d]\t%s\t-> missing symbol trap\n", i, t.SymbolName)
				default:
					fmt.Fprintf(w, "    [%d]\t%s\t-> %s+%#x\n", i, t.SymbolName, t.TargetPath, t.TargetOffset)
				}
			}
			w.Flush()
			fmt.Println()
		}
		return nil
	},
}

var closureGroupCmd = &cobra.Command{
	Use:           "group <image-set.json>",
	Short:         "Print the image group an image set would load",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		set, err := link.ParseFile(args[0])
		if err != nil {
			return err
		}
		state, group, err := set.BuildState()
		if err != nil {
			return err
		}

		loaded := state.Loaded()
		fmt.Printf("%s %s images, %s with binds\n\n",
			colorField("group:"),
			humanize.Comma(int64(len(loaded))),
			humanize.Comma(int64(len(group.Images))))
		for _, img := range loaded {
			fmt.Printf("%s %s\n", colorImage(img.Path), colorAddr("@ %#x", img.LoadAddress))
			for i := 0; i < img.DependentCount(); i++ {
				dep, kind := img.Dependent(i)
				if dep == nil {
					fmt.Printf("    [%d] <missing weak-linked dependent>\n", i+1)
					continue
				}
				fmt.Printf("    [%d] %s (%s)\n", i+1, dep.Path, kind)
			}
			if len(img.Binds) > 0 {
				fmt.Printf("    %s binds\n", humanize.Comma(int64(len(img.Binds))))
			}
		}
		return nil
	},
}
