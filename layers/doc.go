// Package layers indexes the content of image layers and models how the
// layers compose into a single filesystem.
//
// Indexing walks one uncompressed or compressed layer stream and produces a
// LayerIndex:
//
//   - every regular file at or above the size threshold becomes a File with
//     its SHA-256 content digest, size, ownership, permission bits and
//     extended attributes;
//   - every entry, indexed or not, leaves a compact PathEvent so that later
//     questions about the union view can be answered without re-reading the
//     layer.
//
// Payloads are streamed through a fixed-size buffer; nothing but metadata is
// kept in memory.
//
//	idx, err := layers.IndexLayer(ctx, 0, section, 1000000)
//	if err != nil {
//		return err
//	}
//
// # Union view
//
// Layers are stacked base first. A path in the composed filesystem shows the
// content of the newest layer that defines it, unless a newer layer removes
// it. FindShadow answers whether a file stays visible, with unchanged
// content, between its own position and a later one. It reports the first
// event that breaks visibility:
//
//   - a whiteout (.wh.<name>) of the path or one of its ancestors;
//   - an opaque marker (.wh..wh..opq) on an ancestor directory in a later
//     layer (opaque markers never affect their own layer);
//   - an entry that replaces the path with different content or metadata;
//   - a non-directory entry that replaces an ancestor directory.
//
// Events are scanned in a linear order, layer by layer, since a later layer
// always wins for a given path.
//
// # Thread Safety
//
// IndexLayer may run concurrently for different layers. A LayerIndex and an
// ImageIndex are immutable once built.
package layers
