/*
Package certstore implements MetadataStore: atomic load/save of
certificates.json, the registry's on-disk persistence.

Save marshals the full document, writes it to a temporary file in the
same directory, fsyncs, and renames over the live file so a reader never
observes a partially written document. ModTime reports the file's
last-modified time for the registry's cache-validity check.
*/
package certstore
