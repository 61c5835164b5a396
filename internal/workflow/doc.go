// Package workflow declares the processing graph as deterministic Temporal
// workflows: ingestion, rasterisation, OCR fan-out and aggregation,
// segmentation, and the per-question evaluation fan-out. Stage activities
// run on named task queues so OCR and evaluation workers scale
// independently. All workflow code uses workflow-safe APIs only.
package workflow
