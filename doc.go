// Package contentgate is a content-filtering engine for HTTP proxies. It
// blocks requests by host and responses by the text they contain, using a
// per-user policy fetched from a Settings Service.
//
// # Architecture
//
// An [Engine] owns a [PolicyStore] holding the live policy snapshot. For
// every request the host proxy asks the [RequestFilter] for a decision and,
// when the request is allowed, asks the [ResponseScanner] about the
// response. A deny is answered with the [WarningPage], a 403 HTML page
// carrying the reason.
//
//	engine := contentgate.NewEngine(
//	    contentgate.NewSourceChain(
//	        contentgate.NewRemoteSource("http://10.0.0.5:8000", "alice"),
//	        contentgate.NewLocalFileSource("/var/lib/contentgate/settings.json"),
//	    ),
//	    "http://10.0.0.5:8000",
//	    slog.Default(),
//	)
//
//	if deny, _ := engine.HandleRequest(ctx, req); deny != nil {
//	    return deny
//	}
//	resp, _, err := engine.HandleResponse(ctx, req, upstreamResp)
//
// # Policy
//
// A [Policy] holds blocked host entries, excluded host entries and ordered
// keyword categories. Host entries match by substring containment, so
// "example.com" matches "ads.example.com". Exclusions always win over
// blocks, and loopback hosts and the Settings Service host are never
// filtered.
//
// Categories are checked in order against textual responses (any content
// type containing "text" or "javascript"). A keyword matches
// case-insensitively when it is not adjacent to a letter, digit or
// underscore, so "drugs" matches "Drugs!" but not "drugstore".
//
// # Sources and reloads
//
// A [SourceChain] tries the Settings Service ([RemoteSource]), then the
// local cache file ([LocalFileSource]), then an empty policy. A successful
// remote load is written back to the cache file.
//
// The [ReloadScheduler] piggybacks reloads on traffic: each request checks
// whether the reload interval (5s by default) has elapsed and, if so,
// starts a reload in the background. The attempt time is recorded before
// any I/O so a failing Settings Service is contacted at most once per
// interval. When every source fails the previous policy stays in force;
// on the very first load the engine runs with an empty policy.
//
// [PolicyStore.Reload] forces a reload. [WatchSIGHUP] and [WatchFile]
// trigger it on SIGHUP and on cache file edits.
//
// # Proxy
//
// [Proxy] is a forward proxy built on the engine. Plain HTTP exchanges are
// filtered at both stages; CONNECT tunnels are filtered by host and then
// relayed without inspection. Upstream traffic uses a [DirectTransport],
// which never routes through a system proxy.
//
// # Observability
//
// [Metrics] exports Prometheus collectors under the contentgate_
// namespace, [HealthChecker] serves /healthz and /readyz, [AccessLogger]
// writes one slog record per exchange, and [AdminAPI] exposes status,
// policy, reload and dry-run evaluation endpoints.
package contentgate
