package cachestorage

// QueryOptions change how requests are compared to stored requests.
type QueryOptions struct {
	// Compare URLs only, not methods.
	IgnoreMethod bool
	// Do not compare query strings.
	IgnoreSearch bool
}

func queryOptions(opts []QueryOptions) QueryOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return QueryOptions{}
}
