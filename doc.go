// Package depot implements a schema-driven artifact repository engine.
//
// Clients publish immutable, content-addressed binary artifacts under a
// (namespace, name, version, variant) coordinate, fetch them back by exact
// coordinate, resolve tags and "latest" versions, and list what was
// published. A declarative schema drives field normalization, validation,
// storage limits, and blob addressing at runtime.
//
// Basic usage:
//
//	repo, _ := depot.Open(depot.DefaultSchema(), depot.WithDataDir(dir))
//	defer repo.Close()
//
//	writer := depot.Principal{Subject: "ci", Scopes: []string{"write"}}
//
//	rec, _ := repo.Publish(ctx, depot.Coordinate{
//	    Namespace: "acme", Name: "cli", Version: "1.0.0", Variant: "linux-x64",
//	}, writer, payload)
//	fmt.Println(rec.BlobDigest, rec.BlobSize)
//
//	// Resolve and fetch the newest version
//	latest, _ := repo.ResolveLatest(ctx, "acme", "cli", reader)
//	_, rc, _ := repo.Fetch(ctx, depot.Coordinate{
//	    Namespace: "acme", Name: "cli",
//	    Version: latest.Version, Variant: latest.Variant,
//	}, reader)
//	defer rc.Close()
//
//	// Point a mutable tag at a published coordinate
//	repo.SetTag(ctx, "acme", "cli", "stable", "1.0.0", "linux-x64", writer)
//
// Publishing the same coordinate twice fails with ALREADY_EXISTS; publishing
// byte-identical content under different coordinates stores the blob once.
package depot
