// memoir-state inspects the on-disk memory state without going through
// the daemon. It opens the entries database read-only with the pure-Go
// sqlite driver, so it works against a live store without loading the
// vector extension or taking write locks.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/softsense/memoir/internal/assemble"
	"github.com/softsense/memoir/internal/trace"
)

func main() {
	statePath := os.Getenv("MEMOIR_STATE")
	if statePath == "" {
		statePath = "state"
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	cmd := os.Args[1]
	switch cmd {
	case "summary":
		handleSummary(statePath)
	case "entries":
		handleEntries(statePath, os.Args[2:])
	case "entry":
		handleEntry(statePath, os.Args[2:])
	case "relations":
		handleRelations(statePath, os.Args[2:])
	case "dirty":
		handleDirty(statePath)
	case "doc":
		handleDoc(statePath)
	case "traces":
		handleTraces(statePath, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`memoir-state - Inspect memoir's on-disk memory state

Usage: memoir-state <command> [options]

Commands:
  summary              Entry/relation counts by category and status
  entries [category]   List entries, optionally one category
  entry <key>          Show one entry as JSON
  relations [key]      List relations, optionally those touching one key
  dirty                List entries with stale embeddings
  doc                  Print the rendered context document
  traces [-n N] [-c conversation]  Show recent trace records

Environment:
  MEMOIR_STATE         State directory (default: "state")`)
}

func openDB(statePath string) *sql.DB {
	path := filepath.Join(statePath, "system", "entries.db")
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "No database at %s\n", path)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return db
}

func handleSummary(statePath string) {
	db := openDB(statePath)
	defer db.Close()

	fmt.Println("Store Summary")
	fmt.Println("=============")

	rows, err := db.Query(`SELECT category, COUNT(*) FROM entries GROUP BY category ORDER BY category`)
	if err != nil {
		fatalf("query entries: %v", err)
	}
	total := 0
	for rows.Next() {
		var cat string
		var n int
		rows.Scan(&cat, &n)
		fmt.Printf("  %-12s %d\n", cat, n)
		total += n
	}
	rows.Close()
	fmt.Printf("Entries:     %d\n", total)

	rows, err = db.Query(`SELECT status, COUNT(*) FROM entries GROUP BY status ORDER BY status`)
	if err == nil {
		for rows.Next() {
			var st string
			var n int
			rows.Scan(&st, &n)
			fmt.Printf("  %-12s %d\n", st, n)
		}
		rows.Close()
	}

	var relations, dirty int
	db.QueryRow(`SELECT COUNT(*) FROM relations`).Scan(&relations)
	db.QueryRow(`SELECT COUNT(*) FROM entries WHERE embedding_dirty = 1`).Scan(&dirty)
	fmt.Printf("Relations:   %d\n", relations)
	fmt.Printf("Dirty:       %d\n", dirty)
}

func handleEntries(statePath string, args []string) {
	db := openDB(statePath)
	defer db.Close()

	query := `SELECT key, category, status, mention_count, content FROM entries ORDER BY category, key`
	var rows *sql.Rows
	var err error
	if len(args) > 0 {
		query = `SELECT key, category, status, mention_count, content FROM entries WHERE category = ? ORDER BY key`
		rows, err = db.Query(query, args[0])
	} else {
		rows, err = db.Query(query)
	}
	if err != nil {
		fatalf("query: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, cat, status, content string
		var mentions int
		rows.Scan(&key, &cat, &status, &mentions, &content)
		fmt.Printf("%s [%s/%s, mentions=%d]\n  %s\n\n", key, cat, status, mentions, truncate(content, 120))
	}
}

func handleEntry(statePath string, args []string) {
	if len(args) < 1 {
		fatalf("usage: memoir-state entry <key>")
	}
	db := openDB(statePath)
	defer db.Close()

	row := db.QueryRow(`SELECT key, category, content, status, origin_type, COALESCE(origin_summary, ''),
		mention_count, created_at, last_mentioned, embedding_dirty
		FROM entries WHERE key = ?`, args[0])

	var e struct {
		Key            string `json:"key"`
		Category       string `json:"category"`
		Content        string `json:"content"`
		Status         string `json:"status"`
		Origin         string `json:"origin"`
		OriginSummary  string `json:"origin_summary,omitempty"`
		MentionCount   int    `json:"mention_count"`
		CreatedAt      string `json:"created_at"`
		LastMentioned  string `json:"last_mentioned"`
		EmbeddingDirty bool   `json:"embedding_dirty"`
	}
	var dirty int
	err := row.Scan(&e.Key, &e.Category, &e.Content, &e.Status, &e.Origin,
		&e.OriginSummary, &e.MentionCount, &e.CreatedAt, &e.LastMentioned, &dirty)
	if err == sql.ErrNoRows {
		fatalf("no entry %q", args[0])
	}
	if err != nil {
		fatalf("scan: %v", err)
	}
	e.EmbeddingDirty = dirty != 0

	data, _ := json.MarshalIndent(e, "", "  ")
	fmt.Println(string(data))
}

func handleRelations(statePath string, args []string) {
	db := openDB(statePath)
	defer db.Close()

	query := `SELECT source_key, target_key, relation_type FROM relations ORDER BY source_key, target_key`
	var rows *sql.Rows
	var err error
	if len(args) > 0 {
		query = `SELECT source_key, target_key, relation_type FROM relations
			WHERE source_key = ? OR target_key = ? ORDER BY source_key, target_key`
		rows, err = db.Query(query, args[0], args[0])
	} else {
		rows, err = db.Query(query)
	}
	if err != nil {
		fatalf("query: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src, dst, typ string
		rows.Scan(&src, &dst, &typ)
		fmt.Printf("%s -[%s]-> %s\n", src, typ, dst)
	}
}

func handleDirty(statePath string) {
	db := openDB(statePath)
	defer db.Close()

	rows, err := db.Query(`SELECT key FROM entries WHERE embedding_dirty = 1 ORDER BY key`)
	if err != nil {
		fatalf("query: %v", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var key string
		rows.Scan(&key)
		fmt.Println(key)
		n++
	}
	if n == 0 {
		fmt.Println("all embeddings current")
	}
}

func handleDoc(statePath string) {
	a := assemble.New(nil, statePath)
	doc := a.ReadDocument()
	if doc == "" {
		fmt.Println("no context document")
		return
	}
	fmt.Println(doc)
}

func handleTraces(statePath string, args []string) {
	fs := flag.NewFlagSet("traces", flag.ExitOnError)
	limit := fs.Int("n", 20, "Max records")
	conversation := fs.String("c", "", "Filter to one conversation")
	fs.Parse(args)

	records, err := trace.New(statePath).Query(*limit, *conversation)
	if err != nil {
		fatalf("query traces: %v", err)
	}
	for _, r := range records {
		line := fmt.Sprintf("%s seq=%d %s gate=%v", r.Timestamp.Format("01-02 15:04:05"), r.Seq, r.Conversation, r.GateAccepted)
		if r.RAGPriority != "" {
			line += fmt.Sprintf(" priority=%s keys=[%s]", r.RAGPriority, strings.Join(r.RAGKeys, " "))
		}
		if r.WriterError != "" {
			line += " writer_error=" + truncate(r.WriterError, 60)
		} else if r.BatchSummary != "" {
			line += " summary=" + truncate(r.BatchSummary, 60)
		}
		fmt.Println(line)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
