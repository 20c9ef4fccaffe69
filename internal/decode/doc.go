// Package decode turns fetched bytes into a bitmap sized for a request.
//
// Decoding happens in two steps. A Decoder reads the image header and
// decodes at a power-of-two subsampling factor, which is the cheap way to
// shed pixels. The Stage then applies the request's precision and scale
// policy to reach the final size.
//
// # Precision
//
//   - LESS_PIXELS: the output never has more pixels than the target. Only
//     subsampling is applied, so the aspect ratio of the source is kept and
//     the output may be smaller than the target in both dimensions.
//   - SAME_ASPECT_RATIO: the output has the aspect ratio of the target and no
//     more pixels than the target.
//   - EXACTLY: the output is the target size.
//
// # Scale
//
// For SAME_ASPECT_RATIO and EXACTLY the source is cropped to the target
// aspect ratio. START_CROP keeps the top-left, CENTER_CROP the center and
// END_CROP the bottom-right part of the source. FILL does not crop and
// stretches the whole source instead.
//
// # Bitmap Reuse
//
// Every bitmap the stage allocates comes from the bitmap pool when one is
// configured and the request allows reuse. Intermediate bitmaps are handed
// back to the pool as soon as the final bitmap exists.
//
// # Transformed Records
//
// The stage reports what it did to the source as short records, for example
// "InSampled(4)" or "Resized(646x968->500x500,EXACTLY,CENTER_CROP)". The
// records are part of the result the caller sees.
package decode
