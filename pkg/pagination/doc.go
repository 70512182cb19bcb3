// Package pagination provides the probe and parallel page fetching for
// paginated collection endpoints.
//
// Collection endpoints wrap each page in an envelope:
//
//	{"info": {"count": 826, "pages": 42, "next": "...", "prev": null},
//	 "results": [{"id": 1, ...}, ...]}
//
// Example usage:
//
//	api, _ := client.New(client.DefaultConfig("harvester/1.0"))
//	fetcher := pagination.NewBatchFetcher(api, endpoint.New(root), pagination.DefaultConfig())
//	result, err := fetcher.FetchAllPages(ctx, "character")
//
// The batch fetcher:
//   - Fetches page 1 to determine total pages (a failure here is fatal)
//   - Spawns a worker pool, one worker per page unless MaxConcurrency caps it
//   - Distributes pages 2..N across workers
//   - Never cancels siblings on a page failure and never retries
//   - Returns records in page order plus a PageFailure per dropped page
package pagination
