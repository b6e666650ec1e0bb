// cfsmkfs builds composefs EROFS images from dumpfile descriptions.
package main

import (
	"io"
	"os"

	"github.com/google/renameio"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cgwalters/composefs-go/dumpfile"
	"github.com/cgwalters/composefs-go/erofs"
	"github.com/cgwalters/composefs-go/tree"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
	})

	root := &cobra.Command{
		Use:           "cfsmkfs",
		Short:         "build composefs EROFS images from dumpfiles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(mkfsCommand(), dumpCommand())
	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func readTree(path string) (*tree.FileSystem, error) {
	var (
		text []byte
		err  error
	)
	if path == "-" {
		text, err = io.ReadAll(os.Stdin)
	} else {
		text, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return dumpfile.Parse(string(text))
}

func mkfsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkfs <dumpfile> <image>",
		Short: "materialize a dumpfile as an image ('-' for stdio)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := readTree(args[0])
			if err != nil {
				return err
			}
			fs.AddOverlayWhiteouts()
			img, err := erofs.Mkfs(fs, erofs.Format10)
			if err != nil {
				return err
			}
			if args[1] == "-" {
				_, err := os.Stdout.Write(img)
				return err
			}
			// Never leave a torn image behind.
			return renameio.WriteFile(args[1], img, 0o644)
		},
	}
	return cmd
}

func dumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <dumpfile>",
		Short: "parse a dumpfile and re-emit it in canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := readTree(args[0])
			if err != nil {
				return err
			}
			return dumpfile.Write(os.Stdout, fs)
		},
	}
}
