// Package archiver defines the core types shared by the ingestion and archival pipeline.
package archiver
