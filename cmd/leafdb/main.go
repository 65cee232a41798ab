// Command leafdb is a small demonstration driver over the leafdb package.
// It sits outside the engine's tested invariants; it exists only so the
// store can be poked at from a shell.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"leafdb"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}
	dbPath := os.Args[1]
	cmd := os.Args[2]
	args := os.Args[3:]

	db, err := leafdb.Open(dbPath, leafdb.Options{})
	if err != nil {
		log.Fatalf("open %s: %v", dbPath, err)
	}
	defer db.Close()

	switch cmd {
	case "put":
		runPut(db, args)
	case "get":
		runGet(db, args)
	case "delete":
		runDelete(db, args)
	case "scan":
		runScan(db, args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: leafdb <db-path> <put|get|delete|scan> [args]")
	fmt.Fprintln(os.Stderr, "  put <key> <value>")
	fmt.Fprintln(os.Stderr, "  get <key>")
	fmt.Fprintln(os.Stderr, "  delete <key>")
	fmt.Fprintln(os.Stderr, "  scan [prefix]")
}

func runPut(db *leafdb.Database, args []string) {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	tx, err := db.BeginWrite()
	if err != nil {
		log.Fatalf("begin write: %v", err)
	}
	if err := tx.Put([]byte(fs.Arg(0)), []byte(fs.Arg(1))); err != nil {
		tx.Rollback()
		log.Fatalf("put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}
}

func runGet(db *leafdb.Database, args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	tx, err := db.BeginRead()
	if err != nil {
		log.Fatalf("begin read: %v", err)
	}
	defer tx.Rollback()
	value, ok, err := tx.Get([]byte(fs.Arg(0)))
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	if !ok {
		fmt.Println("(not found)")
		return
	}
	fmt.Println(string(value))
}

func runDelete(db *leafdb.Database, args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	tx, err := db.BeginWrite()
	if err != nil {
		log.Fatalf("begin write: %v", err)
	}
	if err := tx.Remove([]byte(fs.Arg(0))); err != nil {
		tx.Rollback()
		log.Fatalf("delete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}
}

func runScan(db *leafdb.Database, args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	fs.Parse(args)
	var prefix string
	if fs.NArg() >= 1 {
		prefix = fs.Arg(0)
	}

	tx, err := db.BeginRead()
	if err != nil {
		log.Fatalf("begin read: %v", err)
	}
	defer tx.Rollback()
	c, err := tx.Cursor()
	if err != nil {
		log.Fatalf("cursor: %v", err)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	if prefix != "" {
		if err := c.Seek([]byte(prefix)); err != nil {
			log.Fatalf("seek: %v", err)
		}
	}
	for c.IsValid() {
		k, v := c.Key(), c.Value()
		if prefix != "" && !hasPrefix(k, []byte(prefix)) {
			break
		}
		fmt.Fprintf(w, "%s=%s\n", k, v)
		if err := c.Next(); err != nil {
			log.Fatalf("next: %v", err)
		}
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
