// Package userscript loads userscript files, parses their metadata block and
// previews them in a content view with the bridge installed.
package userscript
