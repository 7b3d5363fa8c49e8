package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chazu/jverify/classfile"
	"github.com/chazu/jverify/verifier"
)

// runDis prints the code, exception table and decoded stack map frames of
// each method in a class file, or only of methods with the given name.
func runDis(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || len(args) > 2 {
		fmt.Fprintln(stderr, "Usage: jverify dis <class file> [method]")
		return 2
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cf, err := classfile.Parse(data)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s: %v\n", args[0], err)
		return 1
	}

	fmt.Fprintf(stdout, "class %s extends %s (version %d.%d)\n", cf.Name(), cf.SuperName(), cf.MajorVersion, cf.MinorVersion)
	found := false
	for i := range cf.Methods {
		m := &cf.Methods[i]
		if len(args) == 2 && m.Name != args[1] {
			continue
		}
		found = true
		fmt.Fprintf(stdout, "\n%s%s\n", m.Name, m.Descriptor)
		code, err := cf.Code(m)
		if err != nil {
			fmt.Fprintf(stdout, "  <bad Code attribute: %v>\n", err)
			continue
		}
		if code == nil {
			fmt.Fprintln(stdout, "  <no code>")
			continue
		}
		fmt.Fprintf(stdout, "  max_stack=%d max_locals=%d\n", code.MaxStack, code.MaxLocals)
		for _, line := range strings.Split(verifier.Disassemble(code.Bytecode), "\n") {
			fmt.Fprintf(stdout, "  %s\n", line)
		}
		if len(code.ExceptionTable) > 0 {
			fmt.Fprintln(stdout, "  Exception table:")
			for _, h := range code.ExceptionTable {
				catch := "any"
				if h.CatchType != 0 {
					if name, err := cf.ConstantPool.ClassName(int(h.CatchType)); err == nil {
						catch = name
					}
				}
				fmt.Fprintf(stdout, "    [%d, %d) => %d %s\n", h.StartPC, h.EndPC, h.HandlerPC, catch)
			}
		}
		frames, err := verifier.FrameSummaries(cf, m)
		if err != nil {
			fmt.Fprintf(stdout, "  <bad StackMapTable: %v>\n", err)
			continue
		}
		if len(frames) > 0 {
			fmt.Fprintln(stdout, "  StackMapTable:")
			for _, f := range frames {
				fmt.Fprintf(stdout, "    %s\n", f)
			}
		}
	}
	if !found && len(args) == 2 {
		fmt.Fprintf(stderr, "No method named %s in %s\n", args[1], cf.Name())
		return 1
	}
	return 0
}
