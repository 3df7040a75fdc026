// Package cli implements attachctl, the command-line front end of the
// attachment client.
//
// Commands
//
//	send <file> [-type mime] [-caption s] [-album id] [-kind t] [-blurhash h]
//	                       encrypt, store and upload a local file
//	fetch <id>...          download pointers and print their local paths
//	show <id>              print what a viewer would render for id
//	export <id>            print the pointer JSON of an uploaded attachment
//	pointer [-restore] <json|->
//	                       register an inbound (or restored) pointer from JSON
//	locate <id> <json|->   supply the CDN coordinates of a pointer
//	blurhash <id> <hash>   set the placeholder of an attachment
//	rm <id>                delete one attachment
//	rm-album <albumId> [-y]
//	                       delete every attachment of a message
//	reconcile              repair record/blob mismatches
//	resume                 restart transfers interrupted by a crash
//	version                print the build stamp (handled by cmd/attachctl)
//
// Global flags are described in package config. Progress is rendered only
// when stdout is a terminal.
package cli
