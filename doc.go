// Package linesearchd exposes the Go APIs behind the single-binary exact
// line-match server. Clients open a TCP connection (optionally TLS), send
// one newline-terminated query, and receive STRING EXISTS or STRING NOT
// FOUND depending on whether the query appears as a full line in the
// configured data file.
//
// # Running a server
//
//	cfg := linesearchd.Config{
//	    DataPath: "/var/lib/linesearchd/200k.txt",
//	    Host:     "0.0.0.0",
//	    Port:     44445,
//	}
//	srv, err := linesearchd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("linesearchd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// In fast mode (the default) the data file is indexed once at startup and
// queries complete in well under a millisecond; setting
// Config.RereadOnQuery makes every query scan the file fresh so external
// file swaps are observed, at the cost of tens of milliseconds per query.
package linesearchd
