// Package fragment holds the typed intermediate representation of the shell
// text that chains one job to the next, and the renderer that turns it into
// bash.
//
// The compiler never concatenates shell by hand. It decides *what* has to
// happen (which files gate a generation, which runner a finished job must
// submit and how) as Guard and Submission values, and only the Renderer knows
// the target syntax. Scheduling logic can therefore be tested by inspecting
// values instead of string-matching generated scripts.
//
// Every remote path is rendered relative to the directory the bootstrap
// script exports as $GRIDCHAIN_BASE, so a fragment stays valid no matter which
// job's working directory it ends up executing in.
package fragment
