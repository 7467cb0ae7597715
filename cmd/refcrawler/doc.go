// Package main hosts the refcrawler entrypoint.
//
// Architecture overview:
//   - Cache: internal/cache.Store maps URLs to page content with a per-entry TTL in days and persists the
//     whole mapping to a snapshot (local file, GCS object, or memory) after every write. A missing snapshot
//     starts empty; a corrupt one is logged and replaced.
//   - Fetch pipeline: internal/fetcher/cached consults the cache and, on a miss, retrieves the page through
//     the Colly retriever (or headless Chrome when enabled), forcing UTF-8 and retrying transient failures.
//     Concurrent requests for the same URL share a single retrieval.
//   - Extraction: internal/extract/goquery pulls records out of a page in full, headlines, or related mode
//     using configurable CSS selectors.
//   - Orchestration: internal/orchestrator expands the root page into a record tree, following each record's
//     URL into a related-mode child page until max_depth, with a visited set that stops cycles.
//   - Jobs service (-serve): internal/api accepts crawl jobs over HTTP, the dispatcher fans them out to
//     workers, and finished trees go to the blob store, Postgres, and Pub/Sub when configured.
//
// Usage:
//
//	refcrawler -config config.yaml                      # crawl crawl.root_url, print JSON to stdout
//	refcrawler -config config.yaml -url URL -depth 2    # override the root crawl
//	refcrawler -config config.yaml -serve               # run the HTTP jobs service
//
// Every setting can be overridden with REFCRAWLER_* environment variables, e.g.
// REFCRAWLER_CRAWL_MAX_DEPTH=2 or REFCRAWLER_CACHE_PATH=/var/lib/refcrawler/cache_file.json.
// SIGINT/SIGTERM cancel a running crawl without writing a result. Configuration errors exit with status 2.
package main
