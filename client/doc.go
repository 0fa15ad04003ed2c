// Package client is the Go SDK for the txnd transaction coordinator.
//
// A typical two-phase commit driven from an application looks like:
//
//	cli, err := client.New("http://127.0.0.1:9451")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	txn, err := cli.Create(ctx, 30*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, p := range participants {
//	    if err := cli.Join(ctx, txn.ID, p, 0); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//	state, err := cli.Commit(ctx, txn.ID, client.WaitForever)
//	switch {
//	case client.IsTimeout(err):
//	    // decided, participants are still being told
//	case err != nil:
//	    log.Fatal(err)
//	}
//
// Correlation ids set with WithCorrelationID travel in X-Correlation-Id and
// show up in the server logs next to every event for the request.
package client
