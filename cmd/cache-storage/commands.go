package main

import (
	"fmt"

	cachestorage "github.com/always-cache/cache-storage"
	serializer "github.com/always-cache/cache-storage/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	ignoreSearchFlag bool
	ignoreMethodFlag bool
	methodFlag       string
)

// nameArg requires the cache name as the first argument.
func nameArg(op string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return &cachestorage.ArgumentError{Op: op, Arg: "name"}
		}
		return nil
	}
}

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "List cache names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, _, err := openStorage(cmd.Context(), zerolog.WarnLevel)
		if err != nil {
			return err
		}
		defer storage.Close()

		names, err := storage.Keys(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name> [url]",
	Short: "Delete a cache, or the entries stored for a URL",
	Args:  cobra.MatchAll(nameArg("delete"), cobra.MaximumNArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, _, err := openStorage(cmd.Context(), zerolog.WarnLevel)
		if err != nil {
			return err
		}
		defer storage.Close()

		if len(args) == 1 {
			deleted, err := storage.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("%w: %s", cachestorage.ErrCacheNotFound, args[0])
			}
			return nil
		}

		c, err := openExisting(cmd, storage, args[0])
		if err != nil {
			return err
		}
		req := cachestorage.NewRequestWithMethod(methodFlag, args[1])
		deleted, err := c.Delete(cmd.Context(), req, cachestorage.QueryOptions{IgnoreMethod: ignoreMethodFlag})
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("no entries stored for %s", args[1])
		}
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys <name> [url]",
	Short: "List the requests stored in a cache",
	Args:  cobra.MatchAll(nameArg("keys"), cobra.MaximumNArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, _, err := openStorage(cmd.Context(), zerolog.WarnLevel)
		if err != nil {
			return err
		}
		defer storage.Close()

		c, err := openExisting(cmd, storage, args[0])
		if err != nil {
			return err
		}
		var req *cachestorage.Request
		if len(args) > 1 {
			req = cachestorage.NewRequestWithMethod(methodFlag, args[1])
		}
		requests, err := c.Keys(cmd.Context(), req, cachestorage.QueryOptions{
			IgnoreSearch: ignoreSearchFlag,
			IgnoreMethod: ignoreMethodFlag,
		})
		if err != nil {
			return err
		}
		for _, req := range requests {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", req.Method, req.URL)
		}
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <name> <url>...",
	Short: "Fetch URLs and store the responses",
	Args:  cobra.MatchAll(nameArg("add"), cobra.MinimumNArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, _, err := openStorage(cmd.Context(), zerolog.WarnLevel)
		if err != nil {
			return err
		}
		defer storage.Close()

		c, err := storage.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		requests := make([]*cachestorage.Request, 0, len(args)-1)
		for _, u := range args[1:] {
			requests = append(requests, cachestorage.NewRequest(u))
		}
		return c.AddAll(cmd.Context(), requests)
	},
}

var matchCmd = &cobra.Command{
	Use:   "match <url> [name]",
	Short: "Print the stored response for a URL",
	Long: "Print the stored response for a URL in HTTP/1.1 format.\n" +
		"All caches are searched unless a cache name is given.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, _, err := openStorage(cmd.Context(), zerolog.WarnLevel)
		if err != nil {
			return err
		}
		defer storage.Close()

		req := cachestorage.NewRequest(args[0])
		opts := cachestorage.QueryOptions{IgnoreSearch: ignoreSearchFlag}
		var res *cachestorage.Response
		if len(args) > 1 {
			c, err := openExisting(cmd, storage, args[1])
			if err != nil {
				return err
			}
			if res, err = c.Match(cmd.Context(), req, opts); err != nil {
				return err
			}
		} else if res, _, err = storage.Match(cmd.Context(), req, opts); err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("no stored response for %s", args[0])
		}

		body, err := res.Bytes()
		if err != nil {
			return err
		}
		return serializer.Write(cmd.OutOrStdout(), serializer.Response{
			Status:     res.Status,
			StatusText: res.StatusText,
			Header:     res.Header,
			Body:       body,
		})
	},
}

// openExisting opens a cache that must already exist.
func openExisting(cmd *cobra.Command, storage *cachestorage.CacheStorage, name string) (*cachestorage.Cache, error) {
	ok, err := storage.Has(cmd.Context(), name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", cachestorage.ErrCacheNotFound, name)
	}
	return storage.Cache(name), nil
}

func init() {
	deleteCmd.Flags().StringVar(&methodFlag, "method", "GET", "Request method of the entries to delete")
	deleteCmd.Flags().BoolVar(&ignoreMethodFlag, "ignore-method", false, "Delete entries of any method")
	keysCmd.Flags().StringVar(&methodFlag, "method", "GET", "Request method to filter by")
	keysCmd.Flags().BoolVar(&ignoreMethodFlag, "ignore-method", false, "Do not filter by method")
	keysCmd.Flags().BoolVar(&ignoreSearchFlag, "ignore-search", false, "Ignore query strings when filtering")
	matchCmd.Flags().BoolVar(&ignoreSearchFlag, "ignore-search", false, "Ignore query strings")

	rootCmd.AddCommand(cachesCmd, deleteCmd, keysCmd, addCmd, matchCmd)
}
