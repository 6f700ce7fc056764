/*
Package snapshot archives a certificate's live file set into immutable,
timestamp-id'd directories under an archive root:
{archiveRoot}/{sanitizedName}/{backup|version}/{id}/, each carrying a
meta.json alongside the copied files. Every write (file copy, meta.json,
restore) goes through the same stage-to-.tmp-then-rename discipline used
throughout this codebase, so a reader never observes a torn file.
*/
package snapshot
