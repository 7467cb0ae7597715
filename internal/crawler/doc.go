// Package crawler defines the domain types shared by the crawl pipeline:
// requests, records, jobs, errors and the component interfaces.
package crawler
