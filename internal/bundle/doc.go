// Package bundle builds and consumes transfer bundles: a tar stream of the
// merged export tree split into fixed-size chunk files, plus a sha256sum
// compatible checksum file naming every chunk.
//
// File layout for prefix "sat6_export" and dataset "20260301-0215_DoV":
//
//	sat6_export_20260301-0215_DoV_00
//	sat6_export_20260301-0215_DoV_01
//	sat6_export_20260301-0215_DoV.sha256
//	sat6_export_20260301-0215_DoV.sha256.sig   (optional KMS signature)
//
// The checksum file is verified against every chunk before anything is
// extracted.
package bundle
