// Package mldtrace runs the trace-session control daemon. Clients connect
// over TCP (port 3002 by default) and send one command per line; the daemon
// starts and stops named mld logging sessions and answers every command with
// OK or KO.
//
// # Protocol
//
//	TRACE -s <name> <dir> <mld-flags...> mld <args...>   start a session
//	TRACE -k <name>                                     stop a session
//	TRACE -q                                            list session names
//	TRACE -c                                            report the autostart directory
//
// Query and confpath print one payload line before OK. Lines are limited to
// 256 bytes including the newline; a longer line gets KO and the connection
// is closed. At most Config.MaxConnections clients (default 3) are served at
// once, extra connections are closed on accept.
//
// # Embedding
//
//	srv, stop, err := mldtrace.StartServer(ctx, mldtrace.Config{
//	    Listen:   "127.0.0.1:3002",
//	    ConfPath: "/sdcard/mld.conf",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//	fmt.Println(srv.ListenerAddr())
//
// Sessions outlive the server: Shutdown closes the listener and the control
// connections but never signals launched processes.
//
// # Autostart
//
// On Start every *.conf file in Config.ConfPath is read. A file whose
// AUTOSTART 1 line arms it starts each following non-blank line as an mld
// command line under the session named after the file. With
// Config.WatchConfPath set, files created or rewritten later are started as
// well.
package mldtrace
