package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

// VerboseMode gates instruction-trace output from the Instruction Encoder.
var VerboseMode bool

const versionString = "dbcc"

func main() {
	var verbose = flag.Bool("v", false, "verbose: trace every emitted instruction")
	var verboseLong = flag.Bool("verbose", false, "verbose: trace every emitted instruction")
	var jit = flag.Bool("jit", false, "run the input as SoftCPU bytecode in executable memory instead of writing an ELF file")
	flag.Parse()

	VerboseMode = *verbose || *verboseLong

	args := flag.Args()

	fmt.Fprintf(os.Stderr, "----=[ %s ]=----\n", versionString)

	if *jit {
		if len(args) != 1 {
			log.Fatalln("usage: dbcc --jit <bytecode-file>")
		}
		if err := runJITPath(args[0]); err != nil {
			log.Fatalln(err)
		}
		return
	}

	if len(args) != 2 {
		log.Fatalln("usage: dbcc <ast-file> <out-elf>")
	}
	if err := runAOTPath(args[0], args[1]); err != nil {
		log.Fatalln(err)
	}
	fmt.Fprintf(os.Stderr, "-> wrote executable: %s\n", args[1])
}

// runAOTPath reads a textual AST file, lowers it to x86-64 machine code,
// and writes the result as an ELF64 executable.
func runAOTPath(astPath, outPath string) error {
	fmt.Fprintln(os.Stderr, "-> reading AST")
	ast, err := ReadAST(astPath)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "-> building IR")
	mod, err := BuildModule(ast)
	if err != nil {
		return err
	}

	img, err := lowerAndLink(mod)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "-> writing ELF")
	return WriteELF(img, outPath)
}

// runJITPath reads a SoftCPU bytecode file, lowers it to x86-64 machine
// code, and runs it directly in freshly mmap'd executable memory.
func runJITPath(bytecodePath string) error {
	fmt.Fprintln(os.Stderr, "-> reading bytecode")
	bc, err := ReadByteCode(bytecodePath)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "-> building IR")
	mod, err := BuildModuleFromByteCode(bc)
	if err != nil {
		return err
	}

	img, err := lowerAndLink(mod)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "-> running")
	return RunJIT(img)
}

// lowerAndLink runs the Function Lowerer over mod and appends the
// runtime stub library, producing a complete, invariant-checked image
// ready for either the ELF Writer or the JIT Loader.
func lowerAndLink(mod *Module) (*X86Image, error) {
	img := NewX86Image()
	lw := NewLowerer(img)

	fmt.Fprintln(os.Stderr, "-> lowering functions")
	if err := lw.LowerModule(mod); err != nil {
		return nil, err
	}

	fmt.Fprintln(os.Stderr, "-> appending runtime stubs")
	NewRuntimeStubs(img).Append(lw.CallTable)

	if err := lw.CallTable.Resolve(&img.Text, UnresolvedIsFatal); err != nil {
		return nil, err
	}
	if err := img.CheckInvariants(); err != nil {
		return nil, err
	}
	return img, nil
}
