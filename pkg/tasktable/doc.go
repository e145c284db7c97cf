/*
Package tasktable holds the node's in-memory view of running work.

A Table maps job ids to jobs and each job's task ids to tasks. Every
mutation goes through the table lock, so a Snapshot or ToJSON call always
sees a consistent tree. The node snapshot reported to the scheduler is
built from it:

	tbl := tasktable.New("node1")
	task, isNew := tbl.AddJobAndTask(12, 3, 0)
	data, _ := tbl.ToJSON()

RequestResync flags the next snapshot as a full resync. The flag clears
once a snapshot carrying it has been produced.
*/
package tasktable
