// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt turns user text into the prompt sent to a model.
//
// A RAG source decides what happens to the text. With no source the text
// is passed through untouched. With an external script the script is run
// with the text as its only argument, and its stdout is wrapped around the
// text as context:
//
//	<|context|>
//	{script stdout}
//	<|end_context|>
//	<|user|>
//	{text}
//	<|end_user|>
//
// Unformat recovers the user's text from a formatted prompt so stored
// transcripts can be shown the way the user typed them.
//
// The package also discovers scripts in the rag_sources directory and
// attaches files (images or text) to a user message.
package prompt
