package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/marklogic/corb2/internal/command"
	"github.com/marklogic/corb2/internal/config"
	"github.com/marklogic/corb2/internal/crypt"
)

func newCommandCmd(g *globalFlags, out io.Writer) *cobra.Command {
	var (
		file    string
		threads int
	)

	cmd := &cobra.Command{
		Use:   "command [pause|resume|stop]",
		Short: "Write a directive to a running job's command file",
		Long: `Write a directive to the command file a running job polls. The file
defaults to COMMAND-FILE from the options file or environment.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d command.Directive
			if len(args) == 1 {
				kind, err := command.ParseKind(args[0])
				if err != nil {
					return err
				}
				d.Command = kind
			}
			if threads < 0 {
				return fmt.Errorf("--threads must be positive, got %d", threads)
			}
			d.ThreadCount = threads
			if d.Empty() {
				return fmt.Errorf("nothing to send: give a command or --threads")
			}

			path := file
			if path == "" {
				opts, err := config.Load(config.Sources{File: g.optionsFile, Environ: os.Environ()})
				if err != nil {
					return err
				}
				path = opts.Get(config.CommandFile)
			}
			if path == "" {
				return fmt.Errorf("%w: %s", config.ErrMissingOption, config.CommandFile)
			}

			if err := command.Write(path, d); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s to %s\n", d, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "command file (COMMAND-FILE)")
	cmd.Flags().IntVar(&threads, "threads", 0, "new thread count")
	return cmd
}

func newEncryptCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt an option value with this machine's host key",
		Long: `Encrypt a connection option for use with DECRYPTER=host-key.
The result only decrypts on the machine that produced it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypt.DetectHostKey()
			if err != nil {
				return err
			}
			enc, err := key.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, enc)
			return nil
		},
	}
}

func newOptionsCmd(g *globalFlags, out io.Writer) *cobra.Command {
	var (
		set  []string
		save string
	)

	cmd := &cobra.Command{
		Use:   "options",
		Short: "Print the effective options",
		Long: `Print the options a job would run with, after defaults, the options
file, CORB_ environment variables and --set. Connection values are masked.
With --save the unmasked options are written to a properties file instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseSet(set)
			if err != nil {
				return err
			}
			opts, err := config.Load(config.Sources{
				File:      g.optionsFile,
				Environ:   os.Environ(),
				Overrides: overrides,
			})
			if err != nil {
				return err
			}

			if save != "" {
				if err := config.Save(opts, save); err != nil {
					return err
				}
				fmt.Fprintf(out, "saved %d options to %s\n", len(opts.Keys()), save)
				return nil
			}

			for _, k := range opts.Keys() {
				v := opts.Get(k)
				if v != "" && slices.Contains(crypt.ProtectedOptions, k) {
					v = "****"
				}
				fmt.Fprintf(out, "%s=%s\n", k, v)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "set an option, KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&save, "save", "", "write the options to this properties file")
	return cmd
}
