// Package txnd exposes the Go APIs behind the txnd two-phase-commit
// transaction coordinator. A server issues transaction ids, enlists
// participants, drives them through prepare and commit or abort, and writes
// every decision to a durable log so an interrupted transaction is finished
// after a restart.
//
// # Running a server
//
//	cfg := txnd.Config{
//	    Listen: ":9451",
//	    Store:  "disk:///var/lib/txnd",
//	}
//	srv, err := txnd.NewServer(cfg, txnd.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("txnd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Start replays the log before it serves; /readyz answers 503 until that
// completes. StartServer does the same and blocks until the server is ready.
//
// # Stores
//
// Config.Store selects where log records live:
//
//   - mem:// keeps records in process memory (tests, demos)
//   - disk:///path writes one append-only file per transaction
//   - bolt:///path/file.db keeps records in a Bolt database
//   - s3://host[:port]/bucket[/prefix] stores one object per record
//
// Every store is wrapped in a retry layer for transient errors.
//
// # Participants
//
// Participants join with a kind and address. The built-in "http" kind talks
// to POST /v1/participant/{prepare,commit,abort,prepare-and-commit} on the
// address. WithResolver adds other kinds, such as in-process participants.
package txnd
