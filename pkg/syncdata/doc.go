// Package syncdata exchanges small pieces of data among a group of hosts.
//
// Every host in the group calls Sync with its own value. The master host,
// chosen by the caller, runs a ListenServer that collects one submission per
// host and, once the last one arrives, sends the merged map of host to value
// back to every participant:
//
//	HOST1                        MASTER (ListenServer)           HOST2
//	  ---- {session, hosts, ...} --->
//	  ---- payload ----------------->
//	                                 <--- {session, hosts, ...} ----
//	                                 <--- payload ------------------
//	  <--- {host1: .., host2: ..} ---
//	  ---- BYE --------------------->
//	                                 ---- {host1: .., host2: ..} -->
//	                                 <--- BYE ----------------------
//
// A ListenServer multiplexes any number of concurrent sessions, each
// identified by a session id chosen by the participants. Sessions that do not
// complete before their deadline are discarded and their participants time
// out.
package syncdata
