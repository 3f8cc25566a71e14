package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cubrid/gobroker/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: broker <master|cas|admin|version> [flags]")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "master":
		err = runMaster(os.Args[2:])
	case "cas":
		err = runCAS(os.Args[2:])
	case "admin":
		err = runAdminCLI(os.Args[2:])
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "usage: broker <master|cas|admin|version> [flags]")
		os.Exit(1)
	}

	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
