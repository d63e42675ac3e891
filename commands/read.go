package commands

import (
	"chunkfs/config"
	"chunkfs/datastore/flatfs"
	"chunkfs/filesystem"
	"chunkfs/source"
	"chunkfs/swarm/client"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"
)

// openFileSystem builds a client file system talking to the configured
// server. The node's own chunk store, when present on this machine, serves
// the chunks it holds without a network round trip.
func openFileSystem(cfg *config.Config) (*filesystem.FileSystem, func(), error) {
	c := client.New(cfg.Client.Server)
	sources := map[string]source.ChunkSource{
		source.DefaultKey: c,
	}

	names := make(map[string][]string, len(cfg.Client.Nodes)+1)
	for id, n := range cfg.Client.Nodes {
		names[id] = slices.Clone(n)
	}

	if fi, err := os.Stat(cfg.DataStore.ChunkPath); err == nil && fi.IsDir() && cfg.Node.ID != "" {
		chunks, err := flatfs.New(cfg.DataStore.ChunkPath)
		if err != nil {
			return nil, nil, err
		}
		identity, err := os.Hostname()
		if err != nil {
			identity = "localhost"
		}
		sources[source.LocalKey] = flatfs.NewSource(chunks, identity)
		names[cfg.Node.ID] = append(names[cfg.Node.ID], identity)
		log.Debugf("Serving chunks of %s from %s", cfg.Node.ID, cfg.DataStore.ChunkPath)
	}

	fs, err := filesystem.New(c, sources,
		filesystem.WithTopology(c),
		filesystem.WithResolverConfig(cfg.Locality.Config),
		filesystem.WithCacheTTL(time.Duration(cfg.Cache.TTL)),
		filesystem.WithBlockSize(cfg.BlockSize),
		filesystem.WithLocalCluster(cfg.Locality.LocalCluster, cfg.Locality.LocalMount),
		filesystem.WithRegistryOptions(source.WithNodeNames(names)),
	)
	if err != nil {
		c.Close()
		return nil, nil, err
	}

	closer := func() {
		fs.Close()
		c.Close()
	}
	return fs, closer, nil
}

// withFileSystem runs fn over a client file system and exits on failure.
func withFileSystem(cfg *config.Config, what string, fn func(fs *filesystem.FileSystem) error) {
	fs, closer, err := openFileSystem(cfg)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer closer()

	if err := fn(fs); err != nil {
		log.Fatalf("%s: %v", what, err)
	}
}

func RunStat(ctx context.Context, cfg *config.Config, path string) {
	withFileSystem(cfg, "stat", func(fs *filesystem.FileSystem) error {
		return stat(ctx, fs, path, os.Stdout)
	})
}

func RunList(ctx context.Context, cfg *config.Config, path string) {
	withFileSystem(cfg, "ls", func(fs *filesystem.FileSystem) error {
		return list(ctx, fs, path, os.Stdout)
	})
}

func RunCat(ctx context.Context, cfg *config.Config, path string, offset, length int64) {
	withFileSystem(cfg, "cat", func(fs *filesystem.FileSystem) error {
		return cat(ctx, fs, path, offset, length, os.Stdout)
	})
}

func RunLocations(ctx context.Context, cfg *config.Config, path string, offset, length int64) {
	withFileSystem(cfg, "locations", func(fs *filesystem.FileSystem) error {
		return locations(ctx, fs, path, offset, length, os.Stdout)
	})
}

func stat(ctx context.Context, fs *filesystem.FileSystem, path string, w io.Writer) error {
	st, err := fs.Stat(ctx, path)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "path:\t%s\n", st.Path)
	fmt.Fprintf(tw, "directory:\t%t\n", st.IsDirectory)
	fmt.Fprintf(tw, "size:\t%d\n", st.Size)
	fmt.Fprintf(tw, "block size:\t%d\n", st.BlockSize)
	if !st.LastModified.IsZero() {
		fmt.Fprintf(tw, "modified:\t%s\n", st.LastModified.Format(time.RFC3339))
	}
	if st.LocalPath != "" {
		fmt.Fprintf(tw, "local path:\t%s\n", st.LocalPath)
	}
	return tw.Flush()
}

func list(ctx context.Context, fs *filesystem.FileSystem, path string, w io.Writer) error {
	children, err := fs.List(ctx, path)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, c := range children {
		kind := "-"
		if c.IsDirectory {
			kind = "d"
		}
		fmt.Fprintf(tw, "%s\t%d\t %s\t\n", kind, c.Size, c.Name())
	}
	return tw.Flush()
}

// cat copies length bytes from offset to w; a negative length copies to the
// end of the file.
func cat(ctx context.Context, fs *filesystem.FileSystem, path string, offset, length int64, w io.Writer) error {
	cur, err := fs.Open(ctx, path)
	if err != nil {
		return err
	}
	defer cur.Close()

	if err := cur.SeekTo(offset); err != nil {
		return err
	}
	var r io.Reader = cur
	if length >= 0 {
		r = io.LimitReader(cur, length)
	}
	n, err := io.Copy(w, r)
	log.Debugf("cat %s: %d bytes from %d in %d chunk opens", path, n, offset, cur.Opens())
	return err
}

func locations(ctx context.Context, fs *filesystem.FileSystem, path string, offset, length int64, w io.Writer) error {
	if length < 0 {
		st, err := fs.Stat(ctx, path)
		if err != nil {
			return err
		}
		length = max(st.Size-offset, 0)
	}
	locs, err := fs.GetBlockLocations(ctx, path, offset, length)
	if err != nil {
		return err
	}
	for _, l := range locs {
		fmt.Fprintln(w, l.String())
	}
	return nil
}
