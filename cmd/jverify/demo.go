package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chazu/jverify/batch"
	"github.com/chazu/jverify/classfile"
	"github.com/chazu/jverify/hierarchy"
	"github.com/chazu/jverify/verifier"
)

// demoClasses assembles a few small classes, some of which fail.
func demoClasses() []batch.Class {
	var classes []batch.Class
	add := func(b *classfile.Builder, name string) {
		classes = append(classes, batch.Class{Path: name + ".class", Data: b.Bytes()})
	}

	// Hello prints a greeting.
	b := classfile.NewBuilder("demo/Hello", verifier.ObjectClass)
	code := verifier.NewAssembler().
		EmitU2(verifier.OpGetstatic, b.Fieldref("java/lang/System", "out", "Ljava/io/PrintStream;")).
		Emit(verifier.OpLdc, byte(b.StringConstant("hello"))).
		EmitU2(verifier.OpInvokevirtual, b.Methodref("java/io/PrintStream", "println", "(Ljava/lang/String;)V")).
		Emit(verifier.OpReturn).
		Bytes()
	b.AddMethod(classfile.AccPublic|classfile.AccStatic, "main", "([Ljava/lang/String;)V", &classfile.CodeSpec{
		MaxStack: 2, MaxLocals: 1, Bytecode: code,
	})
	add(b, "Hello")

	// Counter loops ten times; the loop head needs a frame.
	b = classfile.NewBuilder("demo/Counter", verifier.ObjectClass)
	a := verifier.NewAssembler()
	top := a.NewLabel()
	a.Emit(verifier.OpIconst0).Emit(verifier.OpIstore0).
		Mark(top).
		Emit(verifier.OpIinc, 0, 1).
		Emit(verifier.OpIload0).
		Emit(verifier.OpBipush, 10).
		Branch(verifier.OpIfIcmplt, top).
		Emit(verifier.OpIload0).
		Emit(verifier.OpIreturn)
	b.AddMethod(classfile.AccStatic, "count", "()I", &classfile.CodeSpec{
		MaxStack:      2,
		MaxLocals:     1,
		Bytecode:      a.Bytes(),
		StackMapTable: classfile.NewStackMapWriter().Append(2, classfile.VTInteger).Bytes(),
	})
	add(b, "Counter")

	// Broken returns an int from a float method.
	b = classfile.NewBuilder("demo/Broken", verifier.ObjectClass)
	b.AddMethod(classfile.AccStatic, "half", "(I)F", &classfile.CodeSpec{
		MaxStack: 1, MaxLocals: 1, Bytecode: []byte{byte(verifier.OpIload0), byte(verifier.OpFreturn)},
	})
	add(b, "Broken")

	// Lazy forgets to call super().
	b = classfile.NewBuilder("demo/Lazy", verifier.ObjectClass)
	b.AddMethod(classfile.AccPublic, "<init>", "()V", &classfile.CodeSpec{
		MaxStack: 1, MaxLocals: 1, Bytecode: []byte{byte(verifier.OpReturn)},
	})
	add(b, "Lazy")

	// Legacy predates stack maps and is not checked.
	b = classfile.NewBuilder("demo/Legacy", verifier.ObjectClass)
	b.SetVersion(49, 0)
	b.AddMethod(classfile.AccStatic, "nop", "()V", &classfile.CodeSpec{Bytecode: []byte{byte(verifier.OpReturn)}})
	add(b, "Legacy")

	return classes
}

// runDemo verifies the demo classes, or writes them to -out for use with
// the main command.
func runDemo(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("jverify demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "Write the demo class files to this directory instead of verifying them")
	useColor := fs.Bool("color", true, "Colorize output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	classes := demoClasses()
	if *out != "" {
		if err := os.MkdirAll(*out, 0o755); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		for _, c := range classes {
			if err := os.WriteFile(filepath.Join(*out, c.Path), c.Data, 0o644); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		}
		fmt.Fprintf(stdout, "Wrote %d classes to %s\n", len(classes), *out)
		return 0
	}

	report, err := batch.Run(ctx, classes, batch.Options{Hierarchy: hierarchy.New()})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return newPrinter(stdout, *useColor, true).report(report, nil)
}
