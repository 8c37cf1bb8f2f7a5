// Command stepdeck serves a deck over the relay and drives presenter and
// follower sessions from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/livetemplate/stepdeck/cmd/stepdeck/commands"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "serve":
		err = commands.ServeCommand(args)
	case "present":
		err = commands.PresentCommand(args)
	case "follow":
		err = commands.FollowCommand(args)
	case "validate":
		err = commands.ValidateCommand(args)
	case "version":
		fmt.Printf("stepdeck version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("stepdeck - Step-through presentations kept in sync")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  stepdeck serve [deck|directory]   Start the relay server")
	fmt.Println("  stepdeck present <url>            Drive a room from the terminal")
	fmt.Println("  stepdeck follow <url>             Follow a room")
	fmt.Println("  stepdeck validate <deck>          Check a deck and show its steps")
	fmt.Println("  stepdeck version                  Show version")
	fmt.Println("  stepdeck help                     Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  stepdeck serve talk.md --watch                 # Serve with live reload")
	fmt.Println("  stepdeck serve . --store rooms.db              # Keep room positions in SQLite")
	fmt.Println("  stepdeck present http://localhost:8080 --room keynote")
	fmt.Println("  stepdeck follow http://localhost:8080 --room keynote --offset 1   # Presenter preview")
	fmt.Println("  stepdeck validate talk.md")
}
