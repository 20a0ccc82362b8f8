// Package s3 provides an Amazon S3 implementation of blobstore.Store,
// plus a DynamoDB-backed backup catalog.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(s3sdk.NewFromConfig(cfg), "my-bucket",
//	    func(o *s3.Options) { o.Prefix = "backups/" },
//	)
//
// # Features
//
//   - Managed multipart uploads for large archives
//   - Streaming downloads
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
//   - Optional DynamoDB catalog for atomic backup sequencing
package s3
