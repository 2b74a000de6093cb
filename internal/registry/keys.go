package registry

// Key prefixes and scalar keys for the program sub-tree schema
// (spec.md §3). Every attribute of every variant has a fixed key here;
// getter/setter pairs on baseProgram and the per-variant structs are the
// only code that reads or writes these strings.
const (
	keyID         = "id"
	keyHasID      = "has_id"
	keyKind       = "kind"
	keyEntryFunc  = "entry_func"
	keyLocalPath  = "local_path"
	keyImageRef   = "image_ref"
	keyPullPolicy = "pull_policy"
	keyCredUser   = "cred_user" // presence only; password is never persisted
	keyMapOwnerID = "map_owner_id"
	keyHasOwner   = "has_map_owner"

	globalDataPrefix = "global_data_"
	metadataPrefix   = "metadata_"
	usedByPrefix     = "maps_used_by_"

	kernelIDKey            = "kernel_id"
	kernelNameKey          = "kernel_name"
	kernelProgTypeKey      = "kernel_prog_type"
	kernelLoadedAtKey      = "kernel_loaded_at"
	kernelLoadSeqKey       = "kernel_load_seq"
	kernelTagKey           = "kernel_tag"
	kernelGPLKey           = "kernel_gpl_compatible"
	kernelBTFIDKey         = "kernel_btf_id"
	kernelTranslatedKey    = "kernel_translated_bytes"
	kernelJittedKey        = "kernel_jitted"
	kernelJittedBytesKey   = "kernel_jitted_bytes"
	kernelMemlockKey       = "kernel_memlock_bytes"
	kernelVerifiedInsnsKey = "kernel_verified_insns"
	kernelMapIDsPrefix     = "kernel_map_ids_"

	// XDP/TC/TCX
	keyIfName          = "if_name"
	keyIfIndex         = "if_index"
	keyPriority        = "priority"
	keyDirection       = "direction"
	keyCurrentPosition = "current_position"
	keyAttached        = "attached"
	proceedOnPrefix    = "proceed_on_"

	// Tracepoint
	keyTracepointName = "tracepoint_name"

	// Kprobe/Uprobe
	keyOffset      = "offset"
	keyRetprobe    = "retprobe"
	keyContainerPID = "container_pid"
	keyHasContainerPID = "has_container_pid"
	keyTarget      = "target"
	keyProcessPID  = "process_pid"
	keyHasProcessPID = "has_process_pid"
	keyUprobeHasFunc = "has_func_name"
)
