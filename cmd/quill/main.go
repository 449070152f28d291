// Command quill is the reference host: `quill run <file>` executes a
// script, `quill repl` starts a bracket-balancing read-eval-print loop.
// It is explicitly the non-core reference embedding, not part of the
// language's own package surface.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"quill"
	"quill/vm"
)

const replModule = "repl"

func newLogger(debug bool) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return logrus.NewEntry(log)
}

func printInterpretError(err error) {
	switch e := err.(type) {
	case vm.CompileErrors:
		for _, ce := range e {
			fmt.Fprintf(os.Stderr, "line %d: %s\n", ce.Line, ce.Message)
		}
	case *vm.UncaughtPanic:
		fmt.Fprint(os.Stderr, e.Error())
	default:
		fmt.Fprintln(os.Stderr, err)
	}
}

func runFile(path string, debug bool) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	h := quill.New(quill.WithLogger(newLogger(debug)), quill.WithDebug(debug))
	const mainModule = "main"
	if err := h.CreateModule(mainModule); err != nil {
		return err
	}
	if err := h.Exec(mainModule, string(src)); err != nil {
		printInterpretError(err)
		os.Exit(1)
	}
	return nil
}

func runRepl(debug bool) error {
	h := quill.New(quill.WithLogger(newLogger(debug)), quill.WithDebug(debug))
	if err := h.CreateModule(replModule); err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		src, err := readBalanced(reader)
		if err != nil {
			return nil // EOF: clean exit
		}
		result, err := h.Eval(replModule, src)
		if err != nil {
			printInterpretError(err)
			continue
		}
		if result != nil {
			fmt.Println(*result)
		}
	}
}

// readBalanced reads lines from r until vm.BracketBalance reports the
// accumulated source has no open brackets, letting a REPL user write a
// multi-line function or class body before it submits.
func readBalanced(r *bufio.Reader) (string, error) {
	src := ""
	for {
		line, err := r.ReadString('\n')
		src += line
		if err != nil {
			if src == "" {
				return "", err
			}
			return src, nil
		}
		if vm.BracketBalance(src) {
			return src, nil
		}
		fmt.Print("... ")
	}
}

func main() {
	var debug bool

	root := &cobra.Command{
		Use:   "quill",
		Short: "quill is a small register-VM scripting language",
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "compile and run a quill script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(args[0], debug)
		},
	}

	replCmd := &cobra.Command{
		Use:   "repl",
		Short: "start an interactive read-eval-print loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl(debug)
		},
	}

	root.AddCommand(runCmd, replCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
