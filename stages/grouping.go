package stages

import "docproc.evalgo.org/db"

// PageGroup is one contiguous run of same-typed pages, to be materialized
// as a document.
type PageGroup struct {
	DocType     string
	PageIndices []int
}

// GroupPages partitions a request's pages, ordered by page index, into
// contiguous runs of equal doc type. A new group starts whenever the type
// changes; pages without a type are bucketed as "unknown". An empty page
// set yields zero groups.
func GroupPages(pages []db.Page) []PageGroup {
	var groups []PageGroup
	for _, page := range pages {
		docType := "unknown"
		if page.DocType != nil && *page.DocType != "" {
			docType = *page.DocType
		}
		if len(groups) == 0 || groups[len(groups)-1].DocType != docType {
			groups = append(groups, PageGroup{DocType: docType})
		}
		last := &groups[len(groups)-1]
		last.PageIndices = append(last.PageIndices, page.PageIndex)
	}
	return groups
}
