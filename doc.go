/*
Package posepipe is the scheduling and ordering core of a real time pose
estimation pipeline.  Frames from a camera or video are submitted to a fixed
size pool of asynchronous inference slots, such as a pool of RKNN runtimes
spread across the NPU cores, and their results are handed back in strict
frame order regardless of the order inference completes in.

A Scheduler owns the slots, the pending result set and the delivery cursor.
A Loop drives the Scheduler from a single goroutine, pulling frames from a
Source while slots are free, passing ordered results to a Presenter and an
Archiver, and on shutdown draining in flight work so no slot is abandoned.

The inference backend, frame source, rendering and archive storage are
supplied by the subpackages and the posepipe command.  See cmd/posepipe for
a complete pipeline running YOLOv8-pose on the Rockchip NPU.
*/
package posepipe
