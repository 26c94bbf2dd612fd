// Package pagination provides forward-only page sources over STAC item
// searches.
//
// A STAC search returns one ItemCollection per request and links to the
// following page with a rel=next link, so pages can only be fetched in
// order. SearchPager follows those links one page at a time and is driven
// entirely by its caller:
//
//	pager := pagination.NewSearchPager(stacClient, req, pagination.DefaultConfig())
//	for pager.HasNextPage() {
//		page, err := pager.NextPage(ctx)
//		if err != nil {
//			return err
//		}
//		// use page.Items
//	}
//
// A pager is not restartable; issue a new search to page again.
// StaticSource serves pages from memory and is used to replay results.
package pagination
